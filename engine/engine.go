// Package engine keeps the external SuperCollider server's live resources
// (nodes, buses) consistent with the in-memory session document. It owns the
// node registry, the bus and voice allocators, the phased routing rebuild
// and all timed message scheduling.
//
// Every method must be called from the control loop goroutine. The engine
// holds no locks; concurrency happens below it (the sender goroutine) and
// above it (the loop's queues).
package engine

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"go.uber.org/zap"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/scsynth"
	"github.com/shaban/scdeck/session"
)

// Synthdef names the engine instantiates. The voice source def comes from
// the instrument; everything else is part of the scdeck synthdef library.
const (
	DefVoiceEnv   = "scdeck-env"
	DefLFO        = "scdeck-lfo"
	DefFilter     = "scdeck-filter"
	DefEQ         = "scdeck-eq"
	DefFx         = "scdeck-fx"
	DefPluginHost = "scdeck-vst"
	DefOutput     = "scdeck-out"
	DefSend       = "scdeck-send"
	DefMeter      = "scdeck-meter"
	DefClick      = "scdeck-click"
	DefTuner      = "scdeck-tuner"
	DefSampler    = "scdeck-sampler"
	DefDiskOut    = "scdeck-diskout"
)

// defaultGroup is the server's default group, parent of everything we build.
const defaultGroup = int32(1)

// minEnvSeconds floors attack and release to avoid sub-block clicks.
const minEnvSeconds = 0.005

// InstrumentNodes maps a role (lfo, filter, eq, fx:<id>, send:<bus>, output,
// group) to the node realizing it. The whole set is freed together.
type InstrumentNodes map[string]int32

// Engine is the stateful façade between the session document and scsynth.
type Engine struct {
	logger *zap.Logger
	sess   *session.Session

	tr     scsynth.Transport
	sender *scsynth.Sender
	events chan scsynth.Event
	ids    *scsynth.IDCounter

	Registry *NodeRegistry
	Buses    *BusAllocator
	Voices   *VoiceAllocator

	// Device parameters feeding the lookahead formula. Zero sample rate
	// means no device is known yet.
	sampleRate float64
	bufferSize int

	deckGroup       int32
	meterNode       int32
	clickNode       int32
	tunerNode       int32
	instrumentNodes map[string]InstrumentNodes
	busNodes        map[string]InstrumentNodes
	groupNodes      map[string]InstrumentNodes
	sampleBufs      map[string]int32
	nextBufNum      int32

	senderQueueSize int

	rebuild *RebuildState
	queries map[int32]*ParamQuery
	rec     *recordingState

	proc *scsynth.ServerProcess
}

// New creates an engine for the given session document.
func New(sess *session.Session, logger *zap.Logger) *Engine {
	buses := NewBusAllocator()
	return &Engine{
		logger:          logger.Named("engine"),
		sess:            sess,
		ids:             scsynth.NewIDCounter(),
		Registry:        NewNodeRegistry(),
		Buses:           buses,
		Voices:          NewVoiceAllocator(buses),
		instrumentNodes: make(map[string]InstrumentNodes),
		busNodes:        make(map[string]InstrumentNodes),
		groupNodes:      make(map[string]InstrumentNodes),
		sampleBufs:      make(map[string]int32),
		nextBufNum:      16,
		queries:         make(map[int32]*ParamQuery),
	}
}

// Session returns the session document the engine realizes.
func (e *Engine) Session() *session.Session { return e.sess }

// SetSession swaps the session document wholesale. The caller requests a
// rebuild afterwards; until then the server graph reflects the old document.
func (e *Engine) SetSession(sess *session.Session) { e.sess = sess }

// SetSenderQueueSize tunes the outbound queue created on the next attach.
// Zero keeps the sender's default.
func (e *Engine) SetSenderQueueSize(n int) { e.senderQueueSize = n }

// =============================================================================
// Connection lifecycle
// =============================================================================

// AttachTransport wires an already-open transport (used by tests and by the
// async connect path once the background dial finishes). It starts the
// sender and the receive loop.
func (e *Engine) AttachTransport(tr scsynth.Transport) {
	e.tr = tr
	e.sender = scsynth.NewSender(tr, e.senderQueueSize, e.logger)
	e.sender.Start()
	e.events = make(chan scsynth.Event, 256)
	if udp, ok := tr.(*scsynth.UDPTransport); ok {
		udp.Listen(e.events)
	}
	if err := tr.SendMessage(scsynth.Notify(true)); err != nil {
		e.logger.Warn("notify subscribe failed", zap.Error(err))
	}
}

// Connect dials the server synchronously. The control loop calls this from
// a background goroutine and attaches the result on success.
func Connect(addr string, logger *zap.Logger) (scsynth.Transport, error) {
	return scsynth.DialUDP(addr, logger)
}

// Disconnect tears the connection down and invalidates the registry. Node
// state on the server is left as-is; a later rebuild reconciles.
func (e *Engine) Disconnect() {
	if e.sender != nil {
		e.sender.Close()
		e.sender = nil
	}
	if e.tr != nil {
		if err := e.tr.Close(); err != nil {
			e.logger.Debug("transport close", zap.Error(err))
		}
		e.tr = nil
	}
	e.events = nil
	e.clickNode = 0
	e.tunerNode = 0
	e.Registry.Invalidate()
	e.Voices.Invalidate()
	e.rebuild = nil
}

// Connected reports whether a transport is attached.
func (e *Engine) Connected() bool { return e.tr != nil }

// Events returns the monitor channel, nil when disconnected.
func (e *Engine) Events() <-chan scsynth.Event { return e.events }

// SetProcess records the server process handle owned by this engine.
func (e *Engine) SetProcess(p *scsynth.ServerProcess) { e.proc = p }

// Process returns the server process handle, nil when externally managed.
func (e *Engine) Process() *scsynth.ServerProcess { return e.proc }

// =============================================================================
// Device parameters and scheduling
// =============================================================================

// SetDeviceParams records the audio device parameters; the lookahead is
// recomputed from them on every schedule.
func (e *Engine) SetDeviceParams(sampleRate float64, bufferSize int) {
	e.sampleRate = sampleRate
	e.bufferSize = bufferSize
}

// Lookahead computes the scheduling offset absorbing buffer latency plus
// jitter: max(bufferSize/sampleRate + 5ms, 10ms), or 15ms before any device
// is known.
func Lookahead(bufferSize int, sampleRate float64) time.Duration {
	if sampleRate <= 0 {
		return 15 * time.Millisecond
	}
	la := float64(bufferSize)/sampleRate + 0.005
	if la < 0.010 {
		la = 0.010
	}
	return time.Duration(la * float64(time.Second))
}

// LookaheadNow returns the lookahead for the current device parameters.
func (e *Engine) LookaheadNow() time.Duration {
	return Lookahead(e.bufferSize, e.sampleRate)
}

// Schedule encodes the messages as one timed bundle executing at offset from
// now and hands it to the sender's bounded queue. When the queue is absent
// or full it falls back to a synchronous send so the instruction is never
// silently dropped.
func (e *Engine) Schedule(offset time.Duration, msgs ...osc.Message) error {
	if e.tr == nil {
		return scdeck.ErrNotConnected
	}
	packets := make([]osc.Packet, len(msgs))
	for i := range msgs {
		packets[i] = msgs[i]
	}
	b := osc.Bundle{
		Timetag: osc.FromTime(time.Now().Add(offset)),
		Packets: packets,
	}
	if e.sender != nil {
		if err := e.sender.Enqueue(b); err == nil {
			return nil
		}
	}
	if err := e.tr.SendBundle(b); err != nil {
		return errors.Wrap(scdeck.ErrSendFailed, err.Error())
	}
	return nil
}

// SendNow delivers one immediate instruction, bypassing the timed path.
func (e *Engine) SendNow(m osc.Message) error {
	if e.tr == nil {
		return scdeck.ErrNotConnected
	}
	if err := e.tr.SendMessage(m); err != nil {
		return errors.Wrap(scdeck.ErrSendFailed, err.Error())
	}
	return nil
}

// SenderDepth reports the outbound queue depth for telemetry.
func (e *Engine) SenderDepth() int {
	if e.sender == nil {
		return 0
	}
	return e.sender.Depth()
}

// =============================================================================
// Event folding
// =============================================================================

// HandleEvent folds one monitor event into engine state. Returns the event
// back to the caller so the loop can derive feedback from it.
func (e *Engine) HandleEvent(ev scsynth.Event) {
	switch v := ev.(type) {
	case scsynth.NodeEnded:
		e.Registry.Remove(v.NodeID)
		if e.Voices.NodeEnded(v.NodeID) {
			e.logger.Debug("voice reclaimed", zap.Int32("node", v.NodeID))
		}
	case scsynth.NodeStarted:
		// Creation was already recorded when the message was scheduled.
	case scsynth.ParamReplyEvent:
		e.handleParamReply(v)
	case scsynth.FailEvent:
		e.logger.Warn("server command failed",
			zap.String("command", v.Command), zap.String("reason", v.Reason))
	}
}

// =============================================================================
// Voice lifecycle
// =============================================================================

// SpawnVoice allocates and schedules one voice chain for the instrument,
// stealing per precedence when needed. The victim's fade and the new voice's
// onset share the same offset, producing a crossfade instead of a gap.
func (e *Engine) SpawnVoice(instrumentID string, pitch int, velocity float32) error {
	inst, err := e.sess.InstrumentByID(instrumentID)
	if err != nil {
		return err
	}
	offset := e.LookaheadNow()
	now := time.Now()

	var msgs []osc.Message
	if victim := e.Voices.SelectVictim(instrumentID, pitch, inst.Polyphony); victim != nil {
		fade := e.victimFade(victim, inst, now)
		msgs = append(msgs, scsynth.ControlSet(victim.Buses.Gate, 0))
		if err := e.Schedule(offset+fade, scsynth.NodeFree(victim.GroupID)); err != nil {
			return err
		}
		if !victim.Released() {
			victim.ReleasedAt = now
			victim.ReleaseDur = fade
		}
	}

	attack := math.Max(inst.Attack, minEnvSeconds)
	release := math.Max(inst.Release, minEnvSeconds)
	triple := e.Voices.AcquireTriple()
	group := e.ids.Next()
	env := e.ids.Next()
	source := e.ids.Next()
	target, sourceBus := e.voiceTarget(inst)

	msgs = append(msgs,
		scsynth.ControlSet(triple.Freq, midiHz(pitch)),
		scsynth.ControlSet(triple.Vel, velocity),
		scsynth.ControlSet(triple.Gate, 1),
		scsynth.GroupNew(group, scsynth.AddToHead, target),
		scsynth.SynthNew(DefVoiceEnv, env, scsynth.AddToHead, group,
			scsynth.Ctl{Name: "gateBus", Value: float32(triple.Gate)},
			scsynth.Ctl{Name: "attack", Value: float32(attack)},
			scsynth.Ctl{Name: "release", Value: float32(release)},
		),
		scsynth.SynthNew(inst.SynthDef, source, scsynth.AddToTail, group,
			scsynth.Ctl{Name: "freqBus", Value: float32(triple.Freq)},
			scsynth.Ctl{Name: "gateBus", Value: float32(triple.Gate)},
			scsynth.Ctl{Name: "velBus", Value: float32(triple.Vel)},
			scsynth.Ctl{Name: "out", Value: float32(sourceBus)},
		),
	)
	if err := e.Schedule(offset, msgs...); err != nil {
		// The triple has no owning chain yet; losing it here would leak
		// three control buses per failed spawn.
		e.Voices.ReleaseTriple(triple)
		return err
	}

	e.Registry.Add(group, env, source)
	e.Voices.Add(&VoiceChain{
		InstrumentID: instrumentID,
		Pitch:        pitch,
		Velocity:     velocity,
		GroupID:      group,
		EnvID:        env,
		SourceID:     source,
		SpawnedAt:    now,
		ReleaseDur:   time.Duration(release * float64(time.Second)),
		Buses:        triple,
	})
	return nil
}

// ReleaseVoice gates off the active voice at (instrument, pitch) and
// schedules its removal after the release window.
func (e *Engine) ReleaseVoice(instrumentID string, pitch int) error {
	inst, err := e.sess.InstrumentByID(instrumentID)
	if err != nil {
		return err
	}
	v := e.Voices.FindActive(instrumentID, pitch)
	if v == nil {
		return nil // already released or never spawned; fine
	}
	offset := e.LookaheadNow()
	release := time.Duration(math.Max(inst.Release, minEnvSeconds) * float64(time.Second))
	if err := e.Schedule(offset, scsynth.ControlSet(v.Buses.Gate, 0)); err != nil {
		return err
	}
	if err := e.Schedule(offset+release, scsynth.NodeFree(v.GroupID)); err != nil {
		return err
	}
	v.ReleasedAt = time.Now()
	v.ReleaseDur = release
	return nil
}

// SweepVoices reclaims chains whose fade windows elapsed without a confirmed
// end event, issuing defensive frees for their groups.
func (e *Engine) SweepVoices(now time.Time) int {
	swept := e.Voices.Sweep(now)
	for _, group := range swept {
		if e.Registry.Remove(group) && e.Connected() {
			if err := e.SendNow(scsynth.NodeFree(group)); err != nil {
				e.logger.Debug("sweep free failed", zap.Int32("node", group), zap.Error(err))
			}
		}
	}
	return len(swept)
}

// victimFade computes the victim's removal delay: its full release time, or
// the remaining portion when it is already fading.
func (e *Engine) victimFade(v *VoiceChain, inst *session.Instrument, now time.Time) time.Duration {
	min := time.Duration(minEnvSeconds * float64(time.Second))
	if v.Released() {
		remaining := v.ReleasedAt.Add(v.ReleaseDur).Sub(now)
		if remaining < min {
			remaining = min
		}
		return remaining
	}
	release := time.Duration(math.Max(inst.Release, minEnvSeconds) * float64(time.Second))
	return release
}

// voiceTarget resolves the group a voice spawns into and the audio bus its
// source writes to. Before the instrument's chain is built, voices land in
// the deck group writing to the instrument's source bus so a later rebuild
// picks the same wiring.
func (e *Engine) voiceTarget(inst *session.Instrument) (int32, int32) {
	sourceBus := e.Buses.Audio(inst.ID, "source")
	if nodes, ok := e.instrumentNodes[inst.ID]; ok {
		if g, ok := nodes["group"]; ok {
			return g, sourceBus
		}
	}
	if e.deckGroup != 0 {
		return e.deckGroup, sourceBus
	}
	return defaultGroup, sourceBus
}

// midiHz converts a MIDI pitch number to frequency.
func midiHz(pitch int) float32 {
	return float32(440 * math.Pow(2, (float64(pitch)-69)/12))
}

// =============================================================================
// Live parameter changes
// =============================================================================

// SetInstrumentControl sets a named parameter on the instrument's output
// stage (volume, pan) as a timed instruction.
func (e *Engine) SetInstrumentControl(instrumentID, name string, value float32) error {
	if _, err := e.sess.InstrumentByID(instrumentID); err != nil {
		return err
	}
	nodes, ok := e.instrumentNodes[instrumentID]
	if !ok {
		return scdeck.NotFound("instrument nodes", instrumentID)
	}
	node, ok := nodes["output"]
	if !ok {
		return scdeck.NotFound("instrument output node", instrumentID)
	}
	return e.Schedule(e.LookaheadNow(), scsynth.NodeSet(node, scsynth.Ctl{Name: name, Value: value}))
}

// SetBusControl sets a named parameter on a mixer bus output stage.
func (e *Engine) SetBusControl(busID, name string, value float32) error {
	if _, err := e.sess.BusByID(busID); err != nil {
		return err
	}
	nodes, ok := e.busNodes[busID]
	if !ok {
		return scdeck.NotFound("bus nodes", busID)
	}
	node, ok := nodes["output"]
	if !ok {
		return scdeck.NotFound("bus output node", busID)
	}
	return e.Schedule(e.LookaheadNow(), scsynth.NodeSet(node, scsynth.Ctl{Name: name, Value: value}))
}

// SetLayerGroupControl sets a named parameter on a layer group output stage.
func (e *Engine) SetLayerGroupControl(groupID, name string, value float32) error {
	if _, err := e.sess.LayerGroupByID(groupID); err != nil {
		return err
	}
	nodes, ok := e.groupNodes[groupID]
	if !ok {
		return scdeck.NotFound("layer group nodes", groupID)
	}
	node, ok := nodes["output"]
	if !ok {
		return scdeck.NotFound("layer group output node", groupID)
	}
	return e.Schedule(e.LookaheadNow(), scsynth.NodeSet(node, scsynth.Ctl{Name: name, Value: value}))
}

// SetEffectControl sets a named parameter on an effect node wherever its
// chain lives, and mirrors the value into the session document.
func (e *Engine) SetEffectControl(effectID, name string, value float32) error {
	eff, err := e.sess.EffectByID(effectID)
	if err != nil {
		return err
	}
	node, ok := e.effectNode(effectID)
	if !ok {
		return scdeck.NotFound("effect node", effectID)
	}
	if eff.Params == nil {
		eff.Params = make(map[string]float32)
	}
	eff.Params[name] = value
	return e.Schedule(e.LookaheadNow(), scsynth.NodeSet(node, scsynth.Ctl{Name: name, Value: value}))
}

// effectNode finds the live node for an effect across every chain.
func (e *Engine) effectNode(effectID string) (int32, bool) {
	role := "fx:" + effectID
	for _, nodes := range e.instrumentNodes {
		if id, ok := nodes[role]; ok {
			return id, true
		}
	}
	for _, nodes := range e.busNodes {
		if id, ok := nodes[role]; ok {
			return id, true
		}
	}
	for _, nodes := range e.groupNodes {
		if id, ok := nodes[role]; ok {
			return id, true
		}
	}
	return 0, false
}

// =============================================================================
// Click, tuner, samples, status
// =============================================================================

// SetClick toggles the metronome node. The node reads the click control bus
// that the transport tick pulses on each beat.
func (e *Engine) SetClick(on bool, beatBus int32) error {
	if on == (e.clickNode != 0) {
		return nil
	}
	if on {
		id := e.ids.Next()
		if err := e.Schedule(e.LookaheadNow(),
			scsynth.SynthNew(DefClick, id, scsynth.AddToTail, defaultGroup,
				scsynth.Ctl{Name: "beatBus", Value: float32(beatBus)})); err != nil {
			return err
		}
		e.clickNode = id
		e.Registry.Add(id)
		return nil
	}
	id := e.clickNode
	e.clickNode = 0
	e.Registry.Remove(id)
	return e.Schedule(e.LookaheadNow(), scsynth.NodeFree(id))
}

// SetTuner toggles the reference tone node at the given frequency.
func (e *Engine) SetTuner(on bool, freq float32) error {
	if on == (e.tunerNode != 0) {
		return nil
	}
	if on {
		id := e.ids.Next()
		if err := e.Schedule(e.LookaheadNow(),
			scsynth.SynthNew(DefTuner, id, scsynth.AddToTail, defaultGroup,
				scsynth.Ctl{Name: "freq", Value: freq})); err != nil {
			return err
		}
		e.tunerNode = id
		e.Registry.Add(id)
		return nil
	}
	id := e.tunerNode
	e.tunerNode = 0
	e.Registry.Remove(id)
	return e.Schedule(e.LookaheadNow(), scsynth.NodeFree(id))
}

// LoadSample allocates a server buffer from the sample's file.
func (e *Engine) LoadSample(sampleID string) error {
	smp, err := e.sess.SampleByID(sampleID)
	if err != nil {
		return err
	}
	if _, ok := e.sampleBufs[sampleID]; ok {
		return nil
	}
	buf := e.nextBufNum
	e.nextBufNum++
	if err := e.SendNow(scsynth.BufAllocRead(buf, smp.Path)); err != nil {
		return err
	}
	e.sampleBufs[sampleID] = buf
	return nil
}

// FreeSample releases the sample's server buffer.
func (e *Engine) FreeSample(sampleID string) error {
	buf, ok := e.sampleBufs[sampleID]
	if !ok {
		return scdeck.NotFound("sample buffer", sampleID)
	}
	delete(e.sampleBufs, sampleID)
	return e.SendNow(scsynth.BufFree(buf))
}

// PollStatus sends a status snapshot query; the reply arrives on the monitor
// channel.
func (e *Engine) PollStatus() error {
	return e.SendNow(scsynth.Status())
}

// Healthy reports process liveness: true when no process is owned (external
// server) or the owned process is still running.
func (e *Engine) Healthy() bool {
	if e.proc == nil {
		return true
	}
	return e.proc.Alive()
}
