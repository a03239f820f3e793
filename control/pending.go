package control

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/engine"
	"github.com/shaban/scdeck/scsynth"
)

// The server needs time to initialize after spawn before it accepts
// connections; the connect is deferred by this much, tracked as a deadline.
const connectDelay = 500 * time.Millisecond

// Because resource loading on a fresh server is itself asynchronous, a
// connect schedules several delayed full-rebuild retries instead of one.
const rebuildRetrySpacing = 500 * time.Millisecond

// rebuildRetryCount is platform-dependent: device initialization settles
// more slowly under CoreAudio.
func rebuildRetryCount() int {
	if runtime.GOOS == "darwin" {
		return 3
	}
	return 2
}

// Pending records describe in-flight asynchronous operations: a one-shot
// result handle plus the metadata to finish the job. Each is polled once per
// iteration and cleared on resolution or abandonment. Background goroutines
// write results into buffered channels, so resolving after abandonment is
// always safe.

type startResult struct {
	proc *scsynth.ServerProcess
	err  error
}

type pendingStart struct {
	ch    chan startResult
	reply Reply
}

type connectResult struct {
	tr  scsynth.Transport
	err error
}

type pendingConnect struct {
	deadline time.Time // when the deferred dial becomes due
	dialing  bool
	ch       chan connectResult
	reply    Reply
}

type compileResult struct {
	err error
}

type pendingCompile struct {
	ch    chan compileResult
	reply Reply
}

type exportResult struct {
	err error
}

type pendingExport struct {
	ch      chan exportResult
	reply   Reply
	outPath string
}

// handleServer dispatches the server lifecycle sub-system.
func (l *Loop) handleServer(cmd Command) {
	switch c := cmd.(type) {
	case ConnectServer:
		l.startConnect(c.Reply, time.Now())
	case DisconnectServer:
		l.eng.Disconnect()
		l.clearLifecyclePhases()
		l.setStatus(StatusOffline, "disconnected")
		c.Reply.resolve(Result{OK: true})
	case StartServer:
		l.startServer(c.Reply)
	case StopServer:
		l.stopServer()
		c.Reply.resolve(Result{OK: true})
	case RestartServer:
		l.stopServer()
		l.startServer(c.Reply)
	case CompileSynthDefs:
		l.startCompile(c.Reply)
	case LoadSynthDefs:
		count, err := l.loadSynthDefs()
		c.Reply.resolve(Result{OK: err == nil, Data: count, Err: err})
	}
}

// startServer launches the external process on a background goroutine.
func (l *Loop) startServer(reply Reply) {
	if l.pendingStart != nil || l.pendingConnect != nil {
		reply.resolve(Result{Err: scdeck.InProgress("start server")})
		return
	}
	l.setStatus(StatusStarting, "spawning scsynth")
	ch := make(chan startResult, 1)
	opts := scsynth.ServerOptions{
		Binary:      l.cfg.Server.Binary,
		Port:        l.cfg.Server.Port,
		SampleRate:  l.cfg.Server.SampleRate,
		BufferSize:  l.cfg.Server.BufferSize,
		MaxNodes:    l.cfg.Server.MaxNodes,
		OutputChans: l.cfg.Server.OutputChans,
	}
	logger := l.logger
	go func() {
		proc, err := scsynth.SpawnServer(opts, logger)
		ch <- startResult{proc: proc, err: err}
	}()
	l.pendingStart = &pendingStart{ch: ch, reply: reply}
}

// pollStart checks the spawn handle. On success the engine records device
// parameters and the connect is deferred behind its deadline.
func (l *Loop) pollStart(now time.Time) {
	p := l.pendingStart
	if p == nil {
		return
	}
	select {
	case res := <-p.ch:
		l.pendingStart = nil
		if res.err != nil {
			l.setStatus(StatusError, res.err.Error())
			p.reply.resolve(Result{Err: res.err})
			return
		}
		l.eng.SetProcess(res.proc)
		sr := float64(l.cfg.Server.SampleRate)
		if sr <= 0 {
			sr = 44100
		}
		bs := l.cfg.Server.BufferSize
		if bs <= 0 {
			bs = 512
		}
		l.eng.SetDeviceParams(sr, bs)
		l.pendingConnect = &pendingConnect{deadline: now.Add(connectDelay), reply: p.reply}
		l.setStatus(StatusConnecting, "waiting for server init")
	default:
	}
}

// startConnect begins a connect phase against an already-running server. A
// pending start refuses it too: pollStart installs its own connect phase,
// which would otherwise overwrite this one and drop its reply.
func (l *Loop) startConnect(reply Reply, deadline time.Time) {
	if l.pendingStart != nil || l.pendingConnect != nil {
		reply.resolve(Result{Err: scdeck.InProgress("connect")})
		return
	}
	l.setStatus(StatusConnecting, "connecting")
	l.pendingConnect = &pendingConnect{deadline: deadline, reply: reply}
}

// pollConnect advances the connect phase: once the deadline passes, a
// liveness check runs, then the dial itself goes to a background goroutine
// and is polled for its result.
func (l *Loop) pollConnect(now time.Time) {
	p := l.pendingConnect
	if p == nil {
		return
	}
	if !p.dialing {
		if now.Before(p.deadline) {
			return
		}
		if proc := l.eng.Process(); proc != nil && !proc.Alive() {
			l.pendingConnect = nil
			l.setStatus(StatusError, "server died before connect")
			p.reply.resolve(Result{Err: scdeck.ErrSpawnFailed})
			return
		}
		ch := make(chan connectResult, 1)
		addr := l.cfg.Server.Address
		logger := l.logger
		go func() {
			tr, err := engine.Connect(addr, logger)
			ch <- connectResult{tr: tr, err: err}
		}()
		p.dialing = true
		p.ch = ch
		return
	}
	select {
	case res := <-p.ch:
		l.pendingConnect = nil
		if res.err != nil {
			l.setStatus(StatusError, res.err.Error())
			p.reply.resolve(Result{Err: res.err})
			return
		}
		l.eng.AttachTransport(res.tr)
		l.eventsDead = false
		l.lastStatusReply = now
		count, err := l.loadSynthDefs()
		if err != nil {
			l.logger.Warn("synthdef load after connect failed", zap.Error(err))
		}
		l.emit(LoadResult{Count: count, Err: err})
		l.scheduleRebuildRetries(now)
		l.reconcileToggles()
		l.setStatus(StatusRunning, "connected")
		p.reply.resolve(Result{OK: true})
	default:
	}
}

// stopServer clears all in-flight lifecycle phases, closes the connection
// and terminates the owned process.
func (l *Loop) stopServer() {
	l.setStatus(StatusStopping, "stopping server")
	l.clearLifecyclePhases()
	if l.eng.Connected() {
		if err := l.eng.SendNow(scsynth.Quit()); err != nil {
			l.logger.Debug("quit send failed", zap.Error(err))
		}
		l.eng.Disconnect()
	}
	if p := l.eng.Process(); p != nil {
		if err := p.Stop(); err != nil {
			l.logger.Warn("server stop failed", zap.Error(err))
		}
		l.eng.SetProcess(nil)
	}
	l.setStatus(StatusOffline, "server stopped")
}

// clearLifecyclePhases abandons pending start/connect phases and rebuild
// retries. The background goroutines finish on their own; their results are
// discarded because nothing polls the handles anymore.
func (l *Loop) clearLifecyclePhases() {
	if l.pendingStart != nil {
		l.pendingStart.reply.resolve(Result{Err: scdeck.ErrReplyDiscard})
		l.pendingStart = nil
	}
	if l.pendingConnect != nil {
		l.pendingConnect.reply.resolve(Result{Err: scdeck.ErrReplyDiscard})
		l.pendingConnect = nil
	}
	l.rebuildRetries = nil
}

// startCompile dispatches the offline sclang compile to a background
// goroutine.
func (l *Loop) startCompile(reply Reply) {
	if l.pendingCompile != nil {
		reply.resolve(Result{Err: scdeck.InProgress("compile")})
		return
	}
	ch := make(chan compileResult, 1)
	bin := l.cfg.Server.SclangBin
	src := l.cfg.SynthDef.SourceDir
	out := l.cfg.SynthDef.CustomDir
	logger := l.logger
	go func() {
		ch <- compileResult{err: engine.CompileSynthDefs(bin, src, out, logger)}
	}()
	l.pendingCompile = &pendingCompile{ch: ch, reply: reply}
}

// pollCompile checks the compile handle; success reloads the synthdefs.
func (l *Loop) pollCompile() {
	p := l.pendingCompile
	if p == nil {
		return
	}
	select {
	case res := <-p.ch:
		l.pendingCompile = nil
		l.emit(CompileResult{Err: res.err})
		if res.err != nil {
			p.reply.resolve(Result{Err: res.err})
			return
		}
		count, err := l.loadSynthDefs()
		l.emit(LoadResult{Count: count, Err: err})
		p.reply.resolve(Result{OK: err == nil, Data: count, Err: err})
	default:
	}
}

// loadSynthDefs reloads both synthdef directories into the server.
func (l *Loop) loadSynthDefs() (int, error) {
	if !l.eng.Connected() {
		return 0, scdeck.ErrNotConnected
	}
	return l.eng.LoadSynthDefDirs([]string{
		l.cfg.SynthDef.BuiltinDir,
		l.cfg.SynthDef.CustomDir,
	})
}

// scheduleRebuildRetries queues the delayed post-connect rebuilds.
func (l *Loop) scheduleRebuildRetries(now time.Time) {
	n := rebuildRetryCount()
	l.rebuildRetries = l.rebuildRetries[:0]
	for i := 1; i <= n; i++ {
		l.rebuildRetries = append(l.rebuildRetries, now.Add(time.Duration(i)*rebuildRetrySpacing))
	}
}

// pollRebuildRetries fires due retries. A retry simply requests a rebuild;
// coalescing makes overlapping requests harmless.
func (l *Loop) pollRebuildRetries(now time.Time) {
	kept := l.rebuildRetries[:0]
	for _, due := range l.rebuildRetries {
		if now.Before(due) {
			kept = append(kept, due)
			continue
		}
		l.eng.RequestRebuild()
	}
	l.rebuildRetries = kept
}

// pollQueries resolves completed plugin parameter discoveries.
func (l *Loop) pollQueries(now time.Time) {
	for _, q := range l.eng.PollQueries(now) {
		l.emit(PluginParamsDiscovered{EffectID: q.EffectID, Params: q.Params})
		if reply, ok := l.queryReplies[q.EffectID]; ok {
			delete(l.queryReplies, q.EffectID)
			reply.resolve(Result{OK: true, Data: q.Params})
		}
	}
}

// abandonPending resolves every outstanding reply on shutdown.
func (l *Loop) abandonPending() {
	l.clearLifecyclePhases()
	if l.pendingCompile != nil {
		l.pendingCompile.reply.resolve(Result{Err: scdeck.ErrShuttingDown})
		l.pendingCompile = nil
	}
	if l.pendingExport != nil {
		l.pendingExport.reply.resolve(Result{Err: scdeck.ErrShuttingDown})
		l.pendingExport = nil
	}
	for id, reply := range l.queryReplies {
		delete(l.queryReplies, id)
		reply.resolve(Result{Err: scdeck.ErrShuttingDown})
	}
}
