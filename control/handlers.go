package control

import (
	"time"

	"go.uber.org/zap"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/scsynth"
)

// handleTransport dispatches playback and monitoring toggles.
func (l *Loop) handleTransport(cmd Command) {
	switch c := cmd.(type) {
	case Play:
		l.transport.start(time.Now(), l.sess.BPM)
	case StopPlayback:
		l.transport.stop()
		l.releaseSequenced()
	case ResetPlayhead:
		l.transport.reset()
		l.emit(PlayheadMoved{Beats: 0})
	case SetBPM:
		if c.BPM > 0 {
			l.sess.BPM = c.BPM
			l.transport.bpm = c.BPM
			l.emit(BPMChanged{BPM: c.BPM})
		}
	case ToggleClick:
		l.transport.clickOn = c.On
		if l.eng.Connected() {
			l.applyClick()
		}
	case ToggleTuner:
		l.transport.tunerOn = c.On
		if c.Freq > 0 {
			l.transport.tunerFreq = c.Freq
		}
		if l.eng.Connected() {
			l.applyTuner()
		}
	}
}

// applyClick realizes the desired metronome state on the server, reserving
// the beat bus on demand. A rebuild resets the bus allocator, so the bus is
// re-reserved each time the node is recreated.
func (l *Loop) applyClick() {
	t := &l.transport
	if t.clickOn {
		t.clickBus = l.eng.Buses.Control("transport", "beat")
	}
	if err := l.eng.SetClick(t.clickOn, t.clickBus); err != nil {
		l.logger.Warn("click toggle failed", zap.Error(err))
	}
	if !t.clickOn {
		t.clickBus = 0
	}
}

// applyTuner realizes the desired reference tone state on the server.
func (l *Loop) applyTuner() {
	if err := l.eng.SetTuner(l.transport.tunerOn, l.transport.tunerFreq); err != nil {
		l.logger.Warn("tuner toggle failed", zap.Error(err))
	}
}

// reconcileToggles recreates the click and tuner nodes after a connect or a
// completed rebuild, both of which destroy them. Toggles flipped while
// disconnected take effect here.
func (l *Loop) reconcileToggles() {
	if !l.eng.Connected() {
		return
	}
	if l.transport.clickOn {
		l.applyClick()
	}
	if l.transport.tunerOn {
		l.applyTuner()
	}
}

// handleRouting dispatches live parameter changes and rebuild requests.
// Parameter changes are best-effort; a missing node logs and moves on so a
// stale UI can never stall the loop.
func (l *Loop) handleRouting(cmd Command) {
	switch c := cmd.(type) {
	case SetInstrumentParam:
		if err := l.eng.SetInstrumentControl(c.InstrumentID, c.Name, c.Value); err != nil {
			l.logger.Debug("instrument param dropped",
				zap.String("instrument", c.InstrumentID), zap.String("name", c.Name), zap.Error(err))
		}
	case SetBusParam:
		if err := l.eng.SetBusControl(c.BusID, c.Name, c.Value); err != nil {
			l.logger.Debug("bus param dropped",
				zap.String("bus", c.BusID), zap.String("name", c.Name), zap.Error(err))
		}
	case SetLayerGroupParam:
		if err := l.eng.SetLayerGroupControl(c.GroupID, c.Name, c.Value); err != nil {
			l.logger.Debug("layer group param dropped",
				zap.String("group", c.GroupID), zap.String("name", c.Name), zap.Error(err))
		}
	case SetEffectParam:
		if err := l.eng.SetEffectControl(c.EffectID, c.Name, c.Value); err != nil {
			l.logger.Debug("effect param dropped",
				zap.String("effect", c.EffectID), zap.String("name", c.Name), zap.Error(err))
		}
	case RebuildRouting:
		l.eng.RequestRebuild()
	case SyncSession:
		if c.Session == nil {
			c.Reply.resolve(Result{Err: scdeck.NotFound("session", "nil")})
			return
		}
		l.sess = c.Session
		l.eng.SetSession(c.Session)
		l.transport.bpm = c.Session.BPM
		l.held = make(map[string][]int)
		l.eng.RequestRebuild()
		c.Reply.resolve(Result{OK: true})
	}
}

// handleVoice dispatches note events. Spawn and release are best-effort for
// the same reason parameter changes are.
func (l *Loop) handleVoice(cmd Command) {
	switch c := cmd.(type) {
	case SpawnVoice:
		if err := l.eng.SpawnVoice(c.InstrumentID, c.Pitch, c.Velocity); err != nil {
			l.logger.Debug("voice spawn dropped",
				zap.String("instrument", c.InstrumentID), zap.Int("pitch", c.Pitch), zap.Error(err))
		}
	case ReleaseVoice:
		if err := l.eng.ReleaseVoice(c.InstrumentID, c.Pitch); err != nil {
			l.logger.Debug("voice release dropped",
				zap.String("instrument", c.InstrumentID), zap.Int("pitch", c.Pitch), zap.Error(err))
		}
	case RegisterVoice:
		l.registerHeld(c.InstrumentID, c.Pitch, c.Held)
	}
}

// registerHeld maintains the per-instrument held-pitch set, in press order,
// for the arpeggiator.
func (l *Loop) registerHeld(instrumentID string, pitch int, held bool) {
	pitches := l.held[instrumentID]
	idx := -1
	for i, p := range pitches {
		if p == pitch {
			idx = i
			break
		}
	}
	if held {
		if idx < 0 {
			l.held[instrumentID] = append(pitches, pitch)
		}
		return
	}
	if idx >= 0 {
		l.held[instrumentID] = append(pitches[:idx], pitches[idx+1:]...)
	}
	if len(l.held[instrumentID]) == 0 {
		delete(l.held, instrumentID)
	}
}

// handleSample dispatches sample buffer management.
func (l *Loop) handleSample(cmd Command) {
	switch c := cmd.(type) {
	case LoadSample:
		err := l.eng.LoadSample(c.SampleID)
		c.Reply.resolve(Result{OK: err == nil, Err: err})
	case FreeSample:
		err := l.eng.FreeSample(c.SampleID)
		c.Reply.resolve(Result{OK: err == nil, Err: err})
	}
}

// handleRecording dispatches disk recording and offline export.
func (l *Loop) handleRecording(cmd Command) {
	switch c := cmd.(type) {
	case StartRecording:
		err := l.eng.StartRecording(c.Path)
		c.Reply.resolve(Result{OK: err == nil, Err: err})
	case StopRecording:
		path, elapsed, err := l.eng.StopRecording()
		c.Reply.resolve(Result{OK: err == nil, Data: path, Err: err})
		if err == nil {
			l.emit(RecordingElapsed{Elapsed: elapsed})
		}
	case StartExport:
		l.startExport(c)
	case CancelExport:
		if l.pendingExport != nil {
			l.pendingExport.reply.resolve(Result{Err: scdeck.ErrReplyDiscard})
			l.pendingExport = nil
			l.emit(ExportResult{Err: scdeck.ErrReplyDiscard})
		}
	}
}

// startExport runs the offline render on a background goroutine; the loop
// polls the handle each tick.
func (l *Loop) startExport(c StartExport) {
	if l.pendingExport != nil {
		c.Reply.resolve(Result{Err: scdeck.InProgress("export")})
		return
	}
	ch := make(chan exportResult, 1)
	binary := l.cfg.Server.Binary
	sampleRate := l.cfg.Server.SampleRate
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	channels := l.cfg.Server.OutputChans
	logger := l.logger
	score, out := c.ScorePath, c.OutPath
	go func() {
		ch <- exportResult{err: scsynth.RenderNRT(binary, score, out, sampleRate, channels, logger)}
	}()
	l.pendingExport = &pendingExport{ch: ch, reply: c.Reply, outPath: c.OutPath}
	l.emit(ExportProgress{Stage: "rendering"})
}

// pollExport checks the export handle.
func (l *Loop) pollExport() {
	p := l.pendingExport
	if p == nil {
		return
	}
	select {
	case res := <-p.ch:
		l.pendingExport = nil
		l.emit(ExportResult{Path: p.outPath, Err: res.err})
		if res.err != nil {
			p.reply.resolve(Result{Err: res.err})
			return
		}
		p.reply.resolve(Result{OK: true, Data: p.outPath})
	default:
	}
}

// handlePlugin dispatches plugin parameter discovery and state management.
func (l *Loop) handlePlugin(cmd Command) {
	switch c := cmd.(type) {
	case QueryPluginParams:
		if prev, ok := l.queryReplies[c.EffectID]; ok {
			prev.resolve(Result{Err: scdeck.ErrReplyDiscard})
		}
		if err := l.eng.QueryPluginParams(c.EffectID); err != nil {
			delete(l.queryReplies, c.EffectID)
			c.Reply.resolve(Result{Err: err})
			return
		}
		l.queryReplies[c.EffectID] = c.Reply
	case SetPluginParam:
		if err := l.eng.SetPluginParam(c.EffectID, c.Index, c.Value); err != nil {
			l.logger.Debug("plugin param dropped",
				zap.String("effect", c.EffectID), zap.Int32("index", c.Index), zap.Error(err))
		}
	case SavePluginState:
		err := l.eng.SavePluginState(c.EffectID, c.Path)
		c.Reply.resolve(Result{OK: err == nil, Err: err})
	case LoadPluginState:
		err := l.eng.LoadPluginState(c.EffectID, c.Path)
		c.Reply.resolve(Result{OK: err == nil, Err: err})
	}
}
