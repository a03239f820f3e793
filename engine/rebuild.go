package engine

import (
	"github.com/scgolang/osc"
	"go.uber.org/zap"

	"github.com/shaban/scdeck/scsynth"
	"github.com/shaban/scdeck/session"
)

// RebuildPhase tags one step of the amortized routing rebuild. Phases run
// strictly in order, one per tick.
type RebuildPhase int

const (
	PhaseTearDown RebuildPhase = iota
	PhaseAllocBuses
	PhaseBuildInstrument
	PhaseBuildOutputs
	PhaseFinalize
)

func (p RebuildPhase) String() string {
	switch p {
	case PhaseTearDown:
		return "teardown"
	case PhaseAllocBuses:
		return "alloc-buses"
	case PhaseBuildInstrument:
		return "build-instrument"
	case PhaseBuildOutputs:
		return "build-outputs"
	case PhaseFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// RebuildState is the in-flight rebuild: the current phase and, while
// building instruments, the index being built. It exists only for one
// rebuild and lives as a plain field between ticks.
type RebuildState struct {
	Phase           RebuildPhase
	InstrumentIndex int
}

// RequestRebuild starts a rebuild at TearDown, replacing (coalescing with)
// any rebuild already in progress.
func (e *Engine) RequestRebuild() {
	e.rebuild = &RebuildState{Phase: PhaseTearDown}
}

// RebuildPending reports whether a rebuild is in progress.
func (e *Engine) RebuildPending() bool { return e.rebuild != nil }

// RebuildStep advances the rebuild by exactly one phase. It returns done
// when Finalize completed. A failure inside a phase abandons the rebuild,
// leaving a partially-built but running graph; a later rebuild is the
// recovery path.
func (e *Engine) RebuildStep() (done bool, err error) {
	s := e.rebuild
	if s == nil {
		return true, nil
	}
	switch s.Phase {
	case PhaseTearDown:
		err = e.tearDown()
		s.Phase = PhaseAllocBuses
	case PhaseAllocBuses:
		err = e.allocBuses()
		s.Phase = PhaseBuildInstrument
		s.InstrumentIndex = 0
	case PhaseBuildInstrument:
		if s.InstrumentIndex >= len(e.sess.Instruments) {
			s.Phase = PhaseBuildOutputs
			return false, nil
		}
		err = e.buildInstrumentChain(e.sess.Instruments[s.InstrumentIndex])
		s.InstrumentIndex++
		if s.InstrumentIndex >= len(e.sess.Instruments) {
			s.Phase = PhaseBuildOutputs
		}
	case PhaseBuildOutputs:
		err = e.buildOutputs()
		s.Phase = PhaseFinalize
	case PhaseFinalize:
		err = e.finalizeRebuild()
		if err == nil {
			e.rebuild = nil
			return true, nil
		}
	}
	if err != nil {
		e.logger.Warn("rebuild abandoned",
			zap.String("phase", s.Phase.String()), zap.Error(err))
		e.rebuild = nil
		return false, err
	}
	return false, nil
}

// tearDown frees every node we believe live, clears all bookkeeping and
// reclaims every bus wholesale.
func (e *Engine) tearDown() error {
	if e.Connected() {
		if err := e.SendNow(scsynth.ClearSched()); err != nil {
			return err
		}
		if ids := e.Registry.All(); len(ids) > 0 {
			if err := e.SendNow(scsynth.NodeFree(ids...)); err != nil {
				return err
			}
		}
	}
	e.instrumentNodes = make(map[string]InstrumentNodes)
	e.busNodes = make(map[string]InstrumentNodes)
	e.groupNodes = make(map[string]InstrumentNodes)
	e.meterNode = 0
	e.clickNode = 0
	e.tunerNode = 0
	e.deckGroup = 0
	e.Registry.Invalidate()
	e.Voices.Invalidate()
	e.Buses.Reset()
	return nil
}

// allocBuses creates the deck execution group and reserves one mix bus per
// mixer bus and per active layer group.
func (e *Engine) allocBuses() error {
	group := e.ids.Next()
	if err := e.Schedule(e.LookaheadNow(),
		scsynth.GroupNew(group, scsynth.AddToTail, defaultGroup)); err != nil {
		return err
	}
	e.deckGroup = group
	e.Registry.Add(group)
	for _, b := range e.sess.MixerBuses {
		e.Buses.Audio(b.ID, "mix")
	}
	for _, g := range e.sess.LayerGroups {
		if g.Active {
			e.Buses.Audio(g.ID, "mix")
		}
	}
	return nil
}

// buildInstrumentChain builds one instrument's persistent chain: an
// execution group holding LFO, filter, EQ and the ordered enabled effects,
// each stage's output bus feeding the next stage's input, plus send taps and
// the output stage. All of it travels in one timed bundle.
func (e *Engine) buildInstrumentChain(inst *session.Instrument) error {
	nodes := InstrumentNodes{}
	group := e.ids.Next()
	msgs := []osc.Message{scsynth.GroupNew(group, scsynth.AddToHead, e.deckGroup)}
	nodes["group"] = group

	cur := e.Buses.Audio(inst.ID, "source")
	stage := func(role, def string, ctls ...scsynth.Ctl) int32 {
		next := e.Buses.Audio(inst.ID, role)
		id := e.ids.Next()
		ctls = append(ctls,
			scsynth.Ctl{Name: "in", Value: float32(cur)},
			scsynth.Ctl{Name: "out", Value: float32(next)},
		)
		msgs = append(msgs, scsynth.SynthNew(def, id, scsynth.AddToTail, group, ctls...))
		nodes[role] = id
		cur = next
		return id
	}

	if lfo := inst.LFO; lfo != nil {
		stage("lfo", DefLFO,
			scsynth.Ctl{Name: "rate", Value: lfo.Rate},
			scsynth.Ctl{Name: "depth", Value: lfo.Depth},
		)
	}
	if f := inst.Filter; f != nil {
		stage("filter", DefFilter,
			scsynth.Ctl{Name: "cutoff", Value: f.Cutoff},
			scsynth.Ctl{Name: "resonance", Value: f.Resonance},
		)
	}
	if eq := inst.EQ; eq != nil {
		stage("eq", DefEQ,
			scsynth.Ctl{Name: "lowGain", Value: eq.LowGain},
			scsynth.Ctl{Name: "midGain", Value: eq.MidGain},
			scsynth.Ctl{Name: "highGain", Value: eq.HighGain},
		)
	}
	var pluginOpens []osc.Message
	for _, eff := range session.EnabledEffects(inst.Effects) {
		def := eff.SynthDef
		if eff.IsPlugin() {
			def = DefPluginHost
		}
		ctls := make([]scsynth.Ctl, 0, len(eff.Params))
		for name, value := range eff.Params {
			ctls = append(ctls, scsynth.Ctl{Name: name, Value: value})
		}
		id := stage("fx:"+eff.ID, def, ctls...)
		if eff.IsPlugin() {
			pluginOpens = append(pluginOpens,
				scsynth.UnitCmd(id, 0, "open", osc.String(eff.PluginPath)))
		}
	}

	for _, snd := range inst.Sends {
		if _, err := e.sess.BusByID(snd.TargetBusID); err != nil {
			e.logger.Warn("send target missing, skipped",
				zap.String("instrument", inst.Name), zap.String("bus", snd.TargetBusID))
			continue
		}
		target := e.Buses.Audio(snd.TargetBusID, "mix")
		id := e.ids.Next()
		msgs = append(msgs, scsynth.SynthNew(DefSend, id, scsynth.AddToTail, group,
			scsynth.Ctl{Name: "in", Value: float32(cur)},
			scsynth.Ctl{Name: "out", Value: float32(target)},
			scsynth.Ctl{Name: "level", Value: snd.Level},
		))
		nodes["send:"+snd.TargetBusID] = id
	}

	outBus := int32(0)
	if _, err := e.sess.BusByID(inst.OutputBusID); err == nil {
		outBus = e.Buses.Audio(inst.OutputBusID, "mix")
	} else {
		e.logger.Warn("output bus missing, routed to hardware",
			zap.String("instrument", inst.Name))
	}
	outID := e.ids.Next()
	msgs = append(msgs, scsynth.SynthNew(DefOutput, outID, scsynth.AddToTail, group,
		scsynth.Ctl{Name: "in", Value: float32(cur)},
		scsynth.Ctl{Name: "out", Value: float32(outBus)},
		scsynth.Ctl{Name: "volume", Value: inst.Volume},
		scsynth.Ctl{Name: "pan", Value: inst.Pan},
	))
	nodes["output"] = outID

	if inst.LayerGroupID != "" {
		if g, err := e.sess.LayerGroupByID(inst.LayerGroupID); err == nil && g.Active {
			target := e.Buses.Audio(g.ID, "mix")
			id := e.ids.Next()
			msgs = append(msgs, scsynth.SynthNew(DefSend, id, scsynth.AddToTail, group,
				scsynth.Ctl{Name: "in", Value: float32(cur)},
				scsynth.Ctl{Name: "out", Value: float32(target)},
				scsynth.Ctl{Name: "level", Value: 1.0},
			))
			nodes["send:"+g.ID] = id
		}
	}

	if err := e.Schedule(e.LookaheadNow(), msgs...); err != nil {
		return err
	}
	for _, open := range pluginOpens {
		if err := e.SendNow(open); err != nil {
			return err
		}
	}
	for _, id := range nodes {
		e.Registry.Add(id)
	}
	e.instrumentNodes[inst.ID] = nodes
	return nil
}

// buildOutputs builds the layer-group and mixer-bus effect chains and output
// stages, then restores saved plugin parameters. Groups come first so their
// output precedes the bus outputs in execution order.
func (e *Engine) buildOutputs() error {
	for _, g := range e.sess.LayerGroups {
		if !g.Active {
			continue
		}
		nodes, err := e.buildMixChain(g.ID, g.Effects, g.Volume, 0)
		if err != nil {
			return err
		}
		e.groupNodes[g.ID] = nodes
	}
	for _, b := range e.sess.MixerBuses {
		nodes, err := e.buildMixChain(b.ID, b.Effects, b.Volume, b.Pan)
		if err != nil {
			return err
		}
		e.busNodes[b.ID] = nodes
	}
	e.restoreSavedPluginParams()
	return nil
}

// buildMixChain builds the in-place effect chain and output stage for one
// shared bus (mixer bus or layer group), appended at the deck group's tail
// so it executes after every instrument chain.
func (e *Engine) buildMixChain(ownerID string, effects []*session.Effect, volume, pan float32) (InstrumentNodes, error) {
	nodes := InstrumentNodes{}
	bus := e.Buses.Audio(ownerID, "mix")
	var msgs []osc.Message
	var pluginOpens []osc.Message
	for _, eff := range session.EnabledEffects(effects) {
		def := eff.SynthDef
		if eff.IsPlugin() {
			def = DefPluginHost
		}
		ctls := make([]scsynth.Ctl, 0, len(eff.Params)+2)
		for name, value := range eff.Params {
			ctls = append(ctls, scsynth.Ctl{Name: name, Value: value})
		}
		ctls = append(ctls,
			scsynth.Ctl{Name: "in", Value: float32(bus)},
			scsynth.Ctl{Name: "out", Value: float32(bus)},
		)
		id := e.ids.Next()
		msgs = append(msgs, scsynth.SynthNew(def, id, scsynth.AddToTail, e.deckGroup, ctls...))
		nodes["fx:"+eff.ID] = id
		if eff.IsPlugin() {
			pluginOpens = append(pluginOpens,
				scsynth.UnitCmd(id, 0, "open", osc.String(eff.PluginPath)))
		}
	}
	outID := e.ids.Next()
	msgs = append(msgs, scsynth.SynthNew(DefOutput, outID, scsynth.AddToTail, e.deckGroup,
		scsynth.Ctl{Name: "in", Value: float32(bus)},
		scsynth.Ctl{Name: "out", Value: 0},
		scsynth.Ctl{Name: "volume", Value: volume},
		scsynth.Ctl{Name: "pan", Value: pan},
	))
	nodes["output"] = outID

	if err := e.Schedule(e.LookaheadNow(), msgs...); err != nil {
		return nil, err
	}
	for _, open := range pluginOpens {
		if err := e.SendNow(open); err != nil {
			return nil, err
		}
	}
	for _, id := range nodes {
		e.Registry.Add(id)
	}
	return nodes, nil
}

// restoreSavedPluginParams replays saved plugin parameter values onto the
// freshly created plugin nodes. Missing nodes are logged and skipped.
func (e *Engine) restoreSavedPluginParams() {
	restore := func(effects []*session.Effect) {
		for _, eff := range effects {
			if !eff.IsPlugin() || len(eff.SavedParams) == 0 || !eff.Enabled {
				continue
			}
			node, ok := e.effectNode(eff.ID)
			if !ok {
				e.logger.Warn("plugin node missing for restore", zap.String("effect", eff.ID))
				continue
			}
			for index, value := range eff.SavedParams {
				if err := e.SendNow(scsynth.UnitCmd(node, 0, "param_set",
					osc.Int(index), osc.Float(value))); err != nil {
					e.logger.Warn("plugin param restore failed",
						zap.String("effect", eff.ID), zap.Error(err))
				}
			}
		}
	}
	for _, inst := range e.sess.Instruments {
		restore(inst.Effects)
	}
	for _, b := range e.sess.MixerBuses {
		restore(b.Effects)
	}
	for _, g := range e.sess.LayerGroups {
		restore(g.Effects)
	}
}

// finalizeRebuild recreates the metering node. Terminal phase.
func (e *Engine) finalizeRebuild() error {
	id := e.ids.Next()
	if err := e.Schedule(e.LookaheadNow(),
		scsynth.SynthNew(DefMeter, id, scsynth.AddToTail, defaultGroup,
			scsynth.Ctl{Name: "in", Value: 0})); err != nil {
		return err
	}
	e.meterNode = id
	e.Registry.Add(id)
	return nil
}
