package control

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/shaban/scdeck/scsynth"
	"github.com/shaban/scdeck/session"
)

// playheadEmitEvery rate-limits position feedback.
const playheadEmitEvery = 100 * time.Millisecond

// stepCatchUp caps how many sequencer steps a single tick may replay after a
// stall, so a long pause does not burst a backlog of notes.
const stepCatchUp = 8

// seqNote is a sequencer-spawned note awaiting its release beat.
type seqNote struct {
	pitch   int
	offBeat float64
}

// seqState is per-instrument sequencer position.
type seqState struct {
	drumStep int // last processed absolute drum step
	arpStep  int
	arpIndex int
	arpDown  bool // direction within "updown"
	genStep  int
	genPitch int // last generative pitch, anchor of the walk
	active   []seqNote
}

// transportState is the playback side of the loop: playhead position,
// metronome and the per-instrument sequencers.
type transportState struct {
	playing     bool
	playhead    float64 // beats
	bpm         float64
	lastAdvance time.Time
	lastEmit    time.Time
	lastBeat    int
	clickOn     bool
	clickBus    int32
	tunerOn     bool
	tunerFreq   float32
	seq         map[string]*seqState
	rng         *rand.Rand
}

func (t *transportState) init() {
	t.bpm = 120
	t.tunerFreq = 440
	t.lastBeat = -1
	t.seq = make(map[string]*seqState)
	t.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (t *transportState) start(now time.Time, bpm float64) {
	if bpm > 0 {
		t.bpm = bpm
	}
	t.playing = true
	t.lastAdvance = now
}

func (t *transportState) stop() {
	t.playing = false
}

func (t *transportState) reset() {
	t.playhead = 0
	t.lastBeat = -1
	for _, s := range t.seq {
		s.drumStep = -1
		s.arpStep = -1
		s.genStep = -1
		s.active = s.active[:0]
	}
}

func (t *transportState) state(instrumentID string) *seqState {
	s, ok := t.seq[instrumentID]
	if !ok {
		s = &seqState{drumStep: -1, arpStep: -1, genStep: -1, genPitch: -1}
		t.seq[instrumentID] = s
	}
	return s
}

// transportTick advances the playhead and runs every enabled sequencer up to
// the new position.
func (l *Loop) transportTick(now time.Time) {
	t := &l.transport
	if !t.playing {
		return
	}
	dt := now.Sub(t.lastAdvance)
	t.lastAdvance = now
	t.playhead += dt.Seconds() * t.bpm / 60

	if beat := int(t.playhead); beat != t.lastBeat {
		t.lastBeat = beat
		if t.clickOn && t.clickBus != 0 && l.eng.Connected() {
			if err := l.eng.SendNow(scsynth.ControlSet(t.clickBus, float32(beat))); err != nil {
				l.logger.Debug("click pulse failed", zap.Error(err))
			}
		}
	}

	if now.Sub(t.lastEmit) >= playheadEmitEvery {
		t.lastEmit = now
		l.emit(PlayheadMoved{Beats: t.playhead})
	}

	for _, inst := range l.sess.Instruments {
		s := t.state(inst.ID)
		l.tickDrums(inst, s)
		l.tickArp(inst, s)
		l.tickGenerative(inst, s)
		l.releaseDue(inst.ID, s)
	}
}

// tickDrums replays the drum pattern steps the playhead has passed.
func (l *Loop) tickDrums(inst *session.Instrument, s *seqState) {
	p := inst.DrumPattern
	if p == nil || !p.Enabled || p.StepsPerBeat <= 0 || len(p.Steps) == 0 {
		return
	}
	cur := int(l.transport.playhead * float64(p.StepsPerBeat))
	if cur <= s.drumStep {
		return
	}
	if cur-s.drumStep > stepCatchUp {
		s.drumStep = cur - stepCatchUp
	}
	for step := s.drumStep + 1; step <= cur; step++ {
		slot := p.Steps[step%len(p.Steps)]
		if !slot.Active {
			continue
		}
		l.spawnSequenced(inst.ID, s, slot.Pitch, slot.Velocity, 1/float64(p.StepsPerBeat))
	}
	s.drumStep = cur
}

// tickArp cycles the held pitches of the instrument.
func (l *Loop) tickArp(inst *session.Instrument, s *seqState) {
	a := inst.Arp
	if a == nil || !a.Enabled || a.Division <= 0 {
		return
	}
	held := l.held[inst.ID]
	if len(held) == 0 {
		return
	}
	cur := int(l.transport.playhead * float64(a.Division))
	if cur <= s.arpStep {
		return
	}
	if cur-s.arpStep > stepCatchUp {
		s.arpStep = cur - stepCatchUp
	}
	for step := s.arpStep + 1; step <= cur; step++ {
		pitch := nextArpPitch(a.Mode, held, s)
		l.spawnSequenced(inst.ID, s, pitch, 0.8, 0.5/float64(a.Division))
	}
	s.arpStep = cur
}

// nextArpPitch advances the arp index per mode and returns the pitch.
func nextArpPitch(mode string, held []int, s *seqState) int {
	n := len(held)
	switch mode {
	case "down":
		s.arpIndex = (s.arpIndex + n - 1) % n
	case "updown":
		if n == 1 {
			s.arpIndex = 0
			break
		}
		if s.arpDown {
			s.arpIndex--
			if s.arpIndex <= 0 {
				s.arpIndex = 0
				s.arpDown = false
			}
		} else {
			s.arpIndex++
			if s.arpIndex >= n-1 {
				s.arpIndex = n - 1
				s.arpDown = true
			}
		}
	default: // "up"
		s.arpIndex = (s.arpIndex + 1) % n
	}
	if s.arpIndex >= n {
		s.arpIndex = 0
	}
	return held[s.arpIndex]
}

// tickGenerative random-walks over the instrument's scale.
func (l *Loop) tickGenerative(inst *session.Instrument, s *seqState) {
	g := inst.Generative
	if g == nil || !g.Enabled || g.Division <= 0 || len(g.Scale) == 0 {
		return
	}
	cur := int(l.transport.playhead * float64(g.Division))
	if cur <= s.genStep {
		return
	}
	if cur-s.genStep > stepCatchUp {
		s.genStep = cur - stepCatchUp
	}
	for step := s.genStep + 1; step <= cur; step++ {
		if l.transport.rng.Float64() >= g.Density {
			continue
		}
		pitch := l.walkScale(g, s)
		l.spawnSequenced(inst.ID, s, pitch, 0.5+0.4*l.transport.rng.Float32(), 0.5/float64(g.Division))
	}
	s.genStep = cur
}

// walkScale picks the next pitch near the previous one, two octaves above
// the root.
func (l *Loop) walkScale(g *session.GenerativeSettings, s *seqState) int {
	degrees := len(g.Scale) * 2
	if s.genPitch < 0 {
		s.genPitch = degrees / 2
	} else {
		s.genPitch += l.transport.rng.Intn(5) - 2
		if s.genPitch < 0 {
			s.genPitch = 0
		}
		if s.genPitch >= degrees {
			s.genPitch = degrees - 1
		}
	}
	octave := s.genPitch / len(g.Scale)
	return g.Root + 12*octave + g.Scale[s.genPitch%len(g.Scale)]
}

// spawnSequenced sounds one sequencer note and books its release.
func (l *Loop) spawnSequenced(instrumentID string, s *seqState, pitch int, velocity float32, durBeats float64) {
	if !l.eng.Connected() {
		return
	}
	if err := l.eng.SpawnVoice(instrumentID, pitch, velocity); err != nil {
		l.logger.Debug("sequenced spawn dropped",
			zap.String("instrument", instrumentID), zap.Int("pitch", pitch), zap.Error(err))
		return
	}
	s.active = append(s.active, seqNote{pitch: pitch, offBeat: l.transport.playhead + durBeats})
}

// releaseDue releases sequencer notes whose beat has passed.
func (l *Loop) releaseDue(instrumentID string, s *seqState) {
	kept := s.active[:0]
	for _, n := range s.active {
		if l.transport.playhead < n.offBeat {
			kept = append(kept, n)
			continue
		}
		if err := l.eng.ReleaseVoice(instrumentID, n.pitch); err != nil {
			l.logger.Debug("sequenced release dropped",
				zap.String("instrument", instrumentID), zap.Int("pitch", n.pitch), zap.Error(err))
		}
	}
	s.active = kept
}

// releaseSequenced releases every outstanding sequencer note, used when
// playback stops.
func (l *Loop) releaseSequenced() {
	for id, s := range l.transport.seq {
		for _, n := range s.active {
			if err := l.eng.ReleaseVoice(id, n.pitch); err != nil {
				l.logger.Debug("sequenced release dropped",
					zap.String("instrument", id), zap.Int("pitch", n.pitch), zap.Error(err))
			}
		}
		s.active = s.active[:0]
	}
}
