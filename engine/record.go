package engine

import (
	"time"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/scsynth"
)

// recordingState tracks an active disk recording: the streaming buffer, the
// disk-writer node tapping the hardware output, and the start time for
// elapsed feedback.
type recordingState struct {
	bufNum    int32
	node      int32
	path      string
	startedAt time.Time
}

// recordBufferFrames sizes the disk-streaming ring buffer.
const recordBufferFrames = 65536

// StartRecording begins streaming the hardware output to path. A recording
// already running is an in-progress conflict.
func (e *Engine) StartRecording(path string) error {
	if e.rec != nil {
		return scdeck.InProgress("recording")
	}
	buf := e.nextBufNum
	e.nextBufNum++
	if err := e.SendNow(scsynth.BufAlloc(buf, recordBufferFrames, 2)); err != nil {
		return err
	}
	if err := e.SendNow(scsynth.BufWrite(buf, path, "wav", "int24", 0, 0, true)); err != nil {
		return err
	}
	node := e.ids.Next()
	if err := e.Schedule(e.LookaheadNow(),
		scsynth.SynthNew(DefDiskOut, node, scsynth.AddToTail, defaultGroup,
			scsynth.Ctl{Name: "in", Value: 0},
			scsynth.Ctl{Name: "bufNum", Value: float32(buf)},
		)); err != nil {
		return err
	}
	e.Registry.Add(node)
	e.rec = &recordingState{bufNum: buf, node: node, path: path, startedAt: time.Now()}
	return nil
}

// StopRecording tears the recording chain down and returns the output path
// and the recorded duration.
func (e *Engine) StopRecording() (string, time.Duration, error) {
	if e.rec == nil {
		return "", 0, scdeck.NotFound("recording", "active")
	}
	rec := e.rec
	e.rec = nil
	elapsed := time.Since(rec.startedAt)
	e.Registry.Remove(rec.node)
	if err := e.SendNow(scsynth.NodeFree(rec.node)); err != nil {
		return rec.path, elapsed, err
	}
	if err := e.SendNow(scsynth.BufClose(rec.bufNum)); err != nil {
		return rec.path, elapsed, err
	}
	if err := e.SendNow(scsynth.BufFree(rec.bufNum)); err != nil {
		return rec.path, elapsed, err
	}
	return rec.path, elapsed, nil
}

// Recording reports whether a recording is active and its elapsed time.
func (e *Engine) Recording() (bool, time.Duration) {
	if e.rec == nil {
		return false, 0
	}
	return true, time.Since(e.rec.startedAt)
}
