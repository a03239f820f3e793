// Package control implements the top-level control loop: a fixed-rate,
// single-goroutine loop that owns the session document, the engine and all
// allocators, fed by two prioritized command queues and draining a monitor
// channel of server events into feedback.
package control

import (
	"time"

	"github.com/shaban/scdeck/engine"
	"github.com/shaban/scdeck/session"
)

// Result is the outcome of a reply-bearing command.
type Result struct {
	OK   bool
	Data interface{}
	Err  error
}

// Reply is a one-shot result slot. The loop resolves it exactly once,
// success or error; abandoned operations resolve with an error rather than
// never.
type Reply chan Result

// NewReply creates a reply slot.
func NewReply() Reply { return make(Reply, 1) }

func (r Reply) resolve(res Result) {
	if r == nil {
		return
	}
	select {
	case r <- res:
	default:
		// Already resolved; a reply is one-shot.
	}
}

// Command is one operation submitted to the loop. The set is closed;
// dispatch is grouped by sub-system in the handler files.
type Command interface {
	// priority reports whether the command rides the time-critical queue.
	priority() bool
}

// --- Server lifecycle ---

// ConnectServer dials an already-running server.
type ConnectServer struct{ Reply Reply }

// DisconnectServer closes the connection, leaving the server running.
type DisconnectServer struct{ Reply Reply }

// StartServer launches the scsynth process and connects once it settles.
type StartServer struct{ Reply Reply }

// StopServer disconnects and terminates the owned process.
type StopServer struct{ Reply Reply }

// RestartServer is StopServer followed by StartServer.
type RestartServer struct{ Reply Reply }

// CompileSynthDefs runs the offline sclang compile, then reloads.
type CompileSynthDefs struct{ Reply Reply }

// LoadSynthDefs reloads the synthdef directories into the server.
type LoadSynthDefs struct{ Reply Reply }

func (ConnectServer) priority() bool    { return false }
func (DisconnectServer) priority() bool { return false }
func (StartServer) priority() bool      { return false }
func (StopServer) priority() bool       { return false }
func (RestartServer) priority() bool    { return false }
func (CompileSynthDefs) priority() bool { return false }
func (LoadSynthDefs) priority() bool    { return false }

// --- Transport ---

// Play starts playback from the current playhead.
type Play struct{}

// StopPlayback halts playback, keeping the playhead.
type StopPlayback struct{}

// ResetPlayhead rewinds the playhead to zero.
type ResetPlayhead struct{}

// SetBPM changes the session tempo.
type SetBPM struct{ BPM float64 }

// ToggleClick switches the metronome.
type ToggleClick struct{ On bool }

// ToggleTuner switches the reference tone.
type ToggleTuner struct {
	On   bool
	Freq float32
}

func (Play) priority() bool          { return false }
func (StopPlayback) priority() bool  { return false }
func (ResetPlayhead) priority() bool { return false }
func (SetBPM) priority() bool        { return false }
func (ToggleClick) priority() bool   { return false }
func (ToggleTuner) priority() bool   { return false }

// --- Routing and mixer ---

// SetInstrumentParam is a live parameter change on an instrument's output
// stage. Best-effort: failures are logged, never stall playback.
type SetInstrumentParam struct {
	InstrumentID string
	Name         string
	Value        float32
}

// SetBusParam is a live parameter change on a mixer bus.
type SetBusParam struct {
	BusID string
	Name  string
	Value float32
}

// SetLayerGroupParam is a live parameter change on a layer group.
type SetLayerGroupParam struct {
	GroupID string
	Name    string
	Value   float32
}

// SetEffectParam is a live parameter change on an effect node.
type SetEffectParam struct {
	EffectID string
	Name     string
	Value    float32
}

// RebuildRouting requests a full routing rebuild, coalescing with one
// already running.
type RebuildRouting struct{}

// SyncSession replaces the session document wholesale and rebuilds.
type SyncSession struct {
	Session *session.Session
	Reply   Reply
}

func (SetInstrumentParam) priority() bool { return true }
func (SetBusParam) priority() bool        { return true }
func (SetLayerGroupParam) priority() bool { return true }
func (SetEffectParam) priority() bool     { return true }
func (RebuildRouting) priority() bool     { return false }
func (SyncSession) priority() bool        { return false }

// --- Voices ---

// SpawnVoice sounds a note.
type SpawnVoice struct {
	InstrumentID string
	Pitch        int
	Velocity     float32
}

// ReleaseVoice releases the note at (instrument, pitch).
type ReleaseVoice struct {
	InstrumentID string
	Pitch        int
}

// RegisterVoice marks a pitch held or unheld for the arpeggiator without
// sounding it directly.
type RegisterVoice struct {
	InstrumentID string
	Pitch        int
	Held         bool
}

func (SpawnVoice) priority() bool    { return true }
func (ReleaseVoice) priority() bool  { return true }
func (RegisterVoice) priority() bool { return true }

// --- Samples ---

// LoadSample loads a session sample into a server buffer.
type LoadSample struct {
	SampleID string
	Reply    Reply
}

// FreeSample frees a sample's server buffer.
type FreeSample struct {
	SampleID string
	Reply    Reply
}

func (LoadSample) priority() bool { return false }
func (FreeSample) priority() bool { return false }

// --- Recording and export ---

// StartRecording begins streaming the output to disk.
type StartRecording struct {
	Path  string
	Reply Reply
}

// StopRecording ends the active recording.
type StopRecording struct{ Reply Reply }

// StartExport renders a score offline to an audio file.
type StartExport struct {
	ScorePath string
	OutPath   string
	Reply     Reply
}

// CancelExport abandons the in-flight export; the background render's
// eventual result is discarded.
type CancelExport struct{}

func (StartRecording) priority() bool { return false }
func (StopRecording) priority() bool  { return false }
func (StartExport) priority() bool    { return false }
func (CancelExport) priority() bool   { return false }

// --- Plugins ---

// QueryPluginParams discovers a plugin's parameters; the reply resolves when
// the discovery window closes.
type QueryPluginParams struct {
	EffectID string
	Reply    Reply
}

// SetPluginParam sets one plugin parameter live.
type SetPluginParam struct {
	EffectID string
	Index    int32
	Value    float32
}

// SavePluginState persists a plugin's full state to disk.
type SavePluginState struct {
	EffectID string
	Path     string
	Reply    Reply
}

// LoadPluginState restores a plugin's full state from disk.
type LoadPluginState struct {
	EffectID string
	Path     string
	Reply    Reply
}

func (QueryPluginParams) priority() bool { return false }
func (SetPluginParam) priority() bool    { return true }
func (SavePluginState) priority() bool   { return false }
func (LoadPluginState) priority() bool   { return false }

// --- Shutdown ---

// Shutdown ends the loop.
type Shutdown struct{}

func (Shutdown) priority() bool { return false }

// =============================================================================
// Feedback
// =============================================================================

// Status is the engine's coarse lifecycle state.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusStarting   Status = "starting"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusCrashed    Status = "crashed"
	StatusError      Status = "error"
)

// Feedback is one event produced for the UI boundary. The set is closed.
type Feedback interface {
	feedback()
}

// StatusChanged reports a lifecycle transition.
type StatusChanged struct {
	Status Status
	Detail string
}

// PlayheadMoved reports playback position in beats.
type PlayheadMoved struct{ Beats float64 }

// BPMChanged reports a tempo change.
type BPMChanged struct{ BPM float64 }

// LoadResult reports a synthdef (re)load outcome.
type LoadResult struct {
	Count int
	Err   error
}

// CompileResult reports an offline compile outcome.
type CompileResult struct{ Err error }

// ExportProgress reports a coarse export stage.
type ExportProgress struct{ Stage string }

// ExportResult reports the export outcome.
type ExportResult struct {
	Path string
	Err  error
}

// RecordingElapsed reports active recording time.
type RecordingElapsed struct{ Elapsed time.Duration }

// Telemetry summarizes loop health over the last window.
type Telemetry struct {
	TickCount     int
	TickAvg       time.Duration
	TickMax       time.Duration
	PriorityDepth int
	RoutineDepth  int
	SenderDepth   int
	LiveVoices    int
	LiveNodes     int
}

// PluginParamsDiscovered reports a completed parameter discovery.
type PluginParamsDiscovered struct {
	EffectID string
	Params   []engine.Param
}

func (StatusChanged) feedback()          {}
func (PlayheadMoved) feedback()          {}
func (BPMChanged) feedback()             {}
func (LoadResult) feedback()             {}
func (CompileResult) feedback()          {}
func (ExportProgress) feedback()         {}
func (ExportResult) feedback()           {}
func (RecordingElapsed) feedback()       {}
func (Telemetry) feedback()              {}
func (PluginParamsDiscovered) feedback() {}
