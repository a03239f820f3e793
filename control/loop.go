package control

import (
	"time"

	"go.uber.org/zap"

	"github.com/shaban/scdeck"
	"github.com/shaban/scdeck/config"
	"github.com/shaban/scdeck/engine"
	"github.com/shaban/scdeck/scsynth"
	"github.com/shaban/scdeck/session"
)

// Scheduling quantum and drain budgets. One tick runs per interval; queue
// drains are budgeted so bursts cannot starve the tick, yet routine commands
// still make forward progress every iteration.
const (
	tickInterval        = 500 * time.Microsecond
	priorityBudgetDur   = 200 * time.Microsecond
	priorityBudgetCount = 128
	routineBudgetDur    = 100 * time.Microsecond
	routineBudgetCount  = 64
)

// Housekeeping rate limits, checked as wall-clock deadlines each iteration.
const (
	sweepEvery      = 100 * time.Millisecond
	healthEvery     = time.Second
	statusPollEvery = time.Second
	telemetryEvery  = time.Second
	recElapsedEvery = 250 * time.Millisecond
	healthTimeout   = 3 * time.Second
)

// Loop is the control loop. It runs on one dedicated goroutine and solely
// owns the session document, the engine and its allocators; all cross-thread
// interaction is message passing through the two command queues, the
// feedback channel and one-shot handles for background operations.
type Loop struct {
	logger *zap.Logger
	cfg    config.Config
	eng    *engine.Engine
	sess   *session.Session

	priority chan Command
	routine  chan Command
	feedback chan Feedback
	done     chan struct{}

	status    Status
	transport transportState
	held      map[string][]int

	pendingStart   *pendingStart
	pendingConnect *pendingConnect
	pendingCompile *pendingCompile
	pendingExport  *pendingExport
	rebuildRetries []time.Time
	queryReplies   map[string]Reply

	lastTick        time.Time
	lastSweep       time.Time
	lastHealth      time.Time
	lastStatusPoll  time.Time
	lastTelemetry   time.Time
	lastRecElapsed  time.Time
	lastStatusReply time.Time
	eventsDead      bool
	stats           tickStats

	stopped bool
}

// New creates a loop over a fresh engine for the session.
func New(cfg config.Config, sess *session.Session, logger *zap.Logger) *Loop {
	if sess == nil {
		sess = session.New("untitled")
	}
	l := &Loop{
		logger:   logger.Named("control"),
		cfg:      cfg,
		eng:      engine.New(sess, logger),
		sess:     sess,
		priority: make(chan Command, max(cfg.Loop.PriorityQueueSize, 64)),
		routine:  make(chan Command, max(cfg.Loop.RoutineQueueSize, 64)),
		feedback: make(chan Feedback, 256),
		done:     make(chan struct{}),
		status:   StatusOffline,
		held:     make(map[string][]int),
	}
	l.queryReplies = make(map[string]Reply)
	l.eng.SetSenderQueueSize(cfg.Loop.SenderQueueSize)
	l.transport.init()
	return l
}

// Engine exposes the engine for tests and for wiring a transport directly.
// Outside tests, only the loop goroutine may touch it.
func (l *Loop) Engine() *engine.Engine { return l.eng }

// Feedback returns the event stream consumed across the UI boundary. It is
// closed when the loop ends.
func (l *Loop) Feedback() <-chan Feedback { return l.feedback }

// Submit enqueues a command on its queue, blocking while the queue is full.
// It fails once the loop is shutting down.
func (l *Loop) Submit(cmd Command) error {
	q := l.routine
	if cmd.priority() {
		q = l.priority
	}
	select {
	case q <- cmd:
		return nil
	case <-l.done:
		return scdeck.ErrShuttingDown
	}
}

// Run drives the loop until a Shutdown command or queue disconnection. Call
// on a dedicated goroutine.
func (l *Loop) Run() {
	defer l.finish()
	now := time.Now()
	l.lastTick = now
	l.lastSweep = now
	l.lastHealth = now
	l.lastStatusPoll = now
	l.lastTelemetry = now
	l.lastRecElapsed = now

	for !l.stopped {
		wait := time.Until(l.lastTick.Add(tickInterval))
		if wait < 0 {
			wait = 0
		}
		if !l.waitOnce(wait) {
			return
		}
		if l.stopped {
			return
		}
		l.drainQueue(l.priority, priorityBudgetDur, priorityBudgetCount)
		if l.stopped {
			return
		}
		l.drainQueue(l.routine, routineBudgetDur, routineBudgetCount)
		if l.stopped {
			return
		}

		now = time.Now()
		if now.Sub(l.lastTick) >= tickInterval {
			start := now
			l.tick(now)
			l.stats.record(time.Since(start))
			l.lastTick = now
		}
		l.pollAsync(time.Now())
		l.housekeeping(time.Now())
	}
}

// waitOnce blocks until a command arrives or the tick deadline passes,
// giving strict priority to the time-critical queue when both are ready.
// Returns false when a queue disconnected.
func (l *Loop) waitOnce(wait time.Duration) bool {
	select {
	case cmd, ok := <-l.priority:
		if !ok {
			return false
		}
		l.handle(cmd)
		return true
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case cmd, ok := <-l.priority:
		if !ok {
			return false
		}
		l.handle(cmd)
	case cmd, ok := <-l.routine:
		if !ok {
			return false
		}
		return l.takeRoutine(cmd)
	case <-timer.C:
	}
	return true
}

// takeRoutine handles one routine command, first yielding to any priority
// command that became ready during the same wait. Without the re-check the
// select's random choice could observe a routine command ahead of a
// simultaneously-ready priority command.
func (l *Loop) takeRoutine(cmd Command) bool {
	select {
	case pcmd, ok := <-l.priority:
		if !ok {
			return false
		}
		l.handle(pcmd)
	default:
	}
	if !l.stopped {
		l.handle(cmd)
	}
	return true
}

// drainQueue handles queued commands up to the time and count budget.
func (l *Loop) drainQueue(ch chan Command, budget time.Duration, maxCmds int) {
	deadline := time.Now().Add(budget)
	for n := 0; n < maxCmds; n++ {
		if time.Now().After(deadline) {
			return
		}
		select {
		case cmd, ok := <-ch:
			if !ok {
				l.stopped = true
				return
			}
			l.handle(cmd)
			if l.stopped {
				return
			}
		default:
			return
		}
	}
}

// tick runs exactly one scheduling quantum: playback and its sub-tickers,
// one amortized unit of rebuild work, and export completion checks.
func (l *Loop) tick(now time.Time) {
	l.transportTick(now)
	if l.eng.RebuildPending() && l.eng.Connected() {
		done, err := l.eng.RebuildStep()
		if err != nil {
			l.emit(StatusChanged{Status: l.status, Detail: "rebuild abandoned: " + err.Error()})
		}
		if done {
			l.reconcileToggles()
		}
	}
	l.pollExport()
}

// pollAsync polls every in-flight asynchronous operation once, never
// blocking: the server monitor, lifecycle phases, compile, discovery.
func (l *Loop) pollAsync(now time.Time) {
	l.drainEvents()
	l.pollStart(now)
	l.pollConnect(now)
	l.pollCompile()
	l.pollRebuildRetries(now)
	l.pollQueries(now)
}

// drainEvents folds pending monitor events into engine state.
func (l *Loop) drainEvents() {
	ch := l.eng.Events()
	if ch == nil || l.eventsDead {
		return
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				l.eventsDead = true
				if l.status == StatusRunning {
					l.setStatus(StatusCrashed, "server connection lost")
				}
				return
			}
			l.eng.HandleEvent(ev)
			if _, isStatus := ev.(scsynth.StatusEvent); isStatus {
				l.lastStatusReply = time.Now()
			}
		default:
			return
		}
	}
}

// housekeeping runs the rate-limited background duties.
func (l *Loop) housekeeping(now time.Time) {
	if now.Sub(l.lastSweep) >= sweepEvery {
		l.lastSweep = now
		if n := l.eng.SweepVoices(now); n > 0 {
			l.logger.Debug("voices swept", zap.Int("count", n))
		}
	}
	if now.Sub(l.lastHealth) >= healthEvery {
		l.lastHealth = now
		l.healthCheck(now)
	}
	if l.eng.Connected() && now.Sub(l.lastStatusPoll) >= statusPollEvery {
		l.lastStatusPoll = now
		if err := l.eng.PollStatus(); err != nil {
			l.logger.Debug("status poll failed", zap.Error(err))
		}
	}
	if now.Sub(l.lastRecElapsed) >= recElapsedEvery {
		l.lastRecElapsed = now
		if active, elapsed := l.eng.Recording(); active {
			l.emit(RecordingElapsed{Elapsed: elapsed})
		}
	}
	if now.Sub(l.lastTelemetry) >= telemetryEvery {
		l.lastTelemetry = now
		l.emitTelemetry()
	}
}

// healthCheck surfaces external-engine loss as a status change rather than
// failing every in-flight call individually.
func (l *Loop) healthCheck(now time.Time) {
	if l.status != StatusRunning {
		return
	}
	if !l.eng.Healthy() {
		l.setStatus(StatusCrashed, "server process died")
		l.eng.Disconnect()
		return
	}
	if !l.lastStatusReply.IsZero() && now.Sub(l.lastStatusReply) > healthTimeout {
		l.logger.Warn("health check failed", zap.Error(scdeck.ErrHealthCheck))
		l.setStatus(StatusCrashed, "server stopped replying")
	}
}

// handle dispatches one command, grouped by sub-system.
func (l *Loop) handle(cmd Command) {
	switch c := cmd.(type) {
	case ConnectServer, DisconnectServer, StartServer, StopServer,
		RestartServer, CompileSynthDefs, LoadSynthDefs:
		l.handleServer(cmd)
	case Play, StopPlayback, ResetPlayhead, SetBPM, ToggleClick, ToggleTuner:
		l.handleTransport(cmd)
	case SetInstrumentParam, SetBusParam, SetLayerGroupParam, SetEffectParam,
		RebuildRouting, SyncSession:
		l.handleRouting(cmd)
	case SpawnVoice, ReleaseVoice, RegisterVoice:
		l.handleVoice(cmd)
	case LoadSample, FreeSample:
		l.handleSample(cmd)
	case StartRecording, StopRecording, StartExport, CancelExport:
		l.handleRecording(cmd)
	case QueryPluginParams, SetPluginParam, SavePluginState, LoadPluginState:
		l.handlePlugin(cmd)
	case Shutdown:
		l.stopped = true
	default:
		l.logger.Warn("unknown command", zap.Any("command", c))
	}
}

// setStatus records a lifecycle transition and emits it once.
func (l *Loop) setStatus(s Status, detail string) {
	if l.status == s {
		return
	}
	l.status = s
	l.logger.Info("status changed", zap.String("status", string(s)), zap.String("detail", detail))
	l.emit(StatusChanged{Status: s, Detail: detail})
}

// emit delivers feedback without ever blocking the loop; a saturated
// consumer loses events rather than stalling playback.
func (l *Loop) emit(f Feedback) {
	select {
	case l.feedback <- f:
	default:
		l.logger.Debug("feedback dropped")
	}
}

// finish abandons pending operations, closes the connection and ends the
// feedback stream. Every pending reply resolves exactly once.
func (l *Loop) finish() {
	close(l.done)
	l.abandonPending()
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
	}
	close(l.feedback)
	l.logger.Info("control loop ended")
}
