package control

import (
	"testing"
	"time"

	"github.com/shaban/scdeck/config"
	"github.com/shaban/scdeck/internal/testutil"
	"github.com/shaban/scdeck/scsynth"
)

func newTestLoop(t *testing.T) (*Loop, *scsynth.MemTransport) {
	t.Helper()
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	mem := scsynth.NewMemTransport()
	l.Engine().AttachTransport(mem)
	return l, mem
}

// drainFeedback consumes feedback until the channel closes so the loop never
// saturates it, and reports closure on the returned channel.
func drainFeedback(l *Loop) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		for range l.Feedback() {
		}
		close(closed)
	}()
	return closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitRoutesByPriority(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	if err := l.Submit(SetInstrumentParam{InstrumentID: "x", Name: "volume", Value: 1}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := l.Submit(Play{}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(l.priority) != 1 {
		t.Fatalf("parameter change should ride the priority queue, depth=%d", len(l.priority))
	}
	if len(l.routine) != 1 {
		t.Fatalf("transport command should ride the routine queue, depth=%d", len(l.routine))
	}
}

// TestWaitOncePrefersPriority verifies a ready priority command is handled
// before a routine command queued at the same moment.
func TestWaitOncePrefersPriority(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	if err := l.Submit(SetBPM{BPM: 140}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := l.Submit(RegisterVoice{InstrumentID: "i1", Pitch: 60, Held: true}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !l.waitOnce(0) {
		t.Fatal("waitOnce reported disconnect")
	}
	if len(l.held["i1"]) != 1 {
		t.Fatal("priority command should be handled first")
	}
	if l.sess.BPM != 120 {
		t.Fatal("routine command must wait its turn")
	}

	l.drainQueue(l.routine, routineBudgetDur, routineBudgetCount)
	if l.sess.BPM != 140 {
		t.Fatal("routine command should be handled on the drain pass")
	}
}

// TestTakeRoutineYieldsToPriority covers the window where both queues become
// ready during the same wait: the routine command still goes second.
func TestTakeRoutineYieldsToPriority(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	if err := l.Submit(RegisterVoice{InstrumentID: "i1", Pitch: 60, Held: true}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !l.takeRoutine(SetBPM{BPM: 150}) {
		t.Fatal("takeRoutine reported disconnect")
	}
	if len(l.held["i1"]) != 1 {
		t.Fatal("queued priority command should be handled first")
	}
	if l.sess.BPM != 150 {
		t.Fatal("routine command should be handled after the priority command")
	}

	// With an empty priority queue the routine command is handled alone.
	if !l.takeRoutine(SetBPM{BPM: 90}) {
		t.Fatal("takeRoutine reported disconnect")
	}
	if l.sess.BPM != 90 {
		t.Fatal("routine command should be handled directly")
	}
}

// TestConnectRefusedWhileStartPending verifies a connect issued during a
// pending start resolves with a conflict instead of being overwritten by the
// start's own connect phase.
func TestConnectRefusedWhileStartPending(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	l.pendingStart = &pendingStart{ch: make(chan startResult, 1), reply: NewReply()}

	reply := NewReply()
	l.startConnect(reply, time.Now())
	select {
	case res := <-reply:
		if res.Err == nil {
			t.Fatal("connect during a pending start should be refused")
		}
	default:
		t.Fatal("refused connect must resolve its reply immediately")
	}
	if l.pendingConnect != nil {
		t.Fatal("refused connect must not install a connect phase")
	}
}

func TestReplyResolvesOnce(t *testing.T) {
	r := NewReply()
	r.resolve(Result{OK: true})
	r.resolve(Result{OK: false})
	res := <-r
	if !res.OK {
		t.Fatal("first resolution must win")
	}
	select {
	case <-r:
		t.Fatal("reply resolved twice")
	default:
	}
	// A nil reply is silently ignored.
	Reply(nil).resolve(Result{OK: true})
}

func TestRegisterHeldOrder(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	l.registerHeld("i1", 60, true)
	l.registerHeld("i1", 64, true)
	l.registerHeld("i1", 60, true) // duplicate press keeps position
	l.registerHeld("i1", 67, true)

	got := l.held["i1"]
	want := []int{60, 64, 67}
	if len(got) != len(want) {
		t.Fatalf("held = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("held = %v, want %v", got, want)
		}
	}

	l.registerHeld("i1", 64, false)
	l.registerHeld("i1", 60, false)
	l.registerHeld("i1", 67, false)
	if _, ok := l.held["i1"]; ok {
		t.Fatal("empty held set should be dropped")
	}
}

func TestNextArpPitch(t *testing.T) {
	held := []int{60, 64, 67}

	s := &seqState{arpIndex: 0}
	var up []int
	for i := 0; i < 4; i++ {
		up = append(up, nextArpPitch("up", held, s))
	}
	want := []int{64, 67, 60, 64}
	for i := range want {
		if up[i] != want[i] {
			t.Fatalf("up mode = %v, want %v", up, want)
		}
	}

	s = &seqState{arpIndex: 0}
	var ud []int
	for i := 0; i < 5; i++ {
		ud = append(ud, nextArpPitch("updown", held, s))
	}
	wantUD := []int{64, 67, 64, 60, 64}
	for i := range wantUD {
		if ud[i] != wantUD[i] {
			t.Fatalf("updown mode = %v, want %v", ud, wantUD)
		}
	}
}

func TestTickStats(t *testing.T) {
	var s tickStats
	s.record(2 * time.Millisecond)
	s.record(4 * time.Millisecond)
	if s.count != 2 || s.max != 4*time.Millisecond || s.total != 6*time.Millisecond {
		t.Fatalf("stats wrong: %+v", s)
	}
	s.reset()
	if s.count != 0 || s.max != 0 {
		t.Fatalf("reset failed: %+v", s)
	}
}

func stepRebuild(t *testing.T, l *Loop) {
	t.Helper()
	for i := 0; i < 32; i++ {
		done, err := l.eng.RebuildStep()
		if err != nil {
			t.Fatalf("rebuild failed: %v", err)
		}
		if done {
			return
		}
	}
	t.Fatal("rebuild never finished")
}

// TestClickReconciledAfterConnectAndRebuild verifies a click toggled while
// disconnected comes alive on reconcile, and that a rebuild, which destroys
// the node and resets the bus allocator, gets it recreated on a fresh bus.
func TestClickReconciledAfterConnectAndRebuild(t *testing.T) {
	l := New(config.Config{}, testutil.DemoSession(), testutil.Logger(t))
	l.handle(ToggleClick{On: true})
	if l.transport.clickBus != 0 {
		t.Fatal("no bus should be reserved while disconnected")
	}

	mem := scsynth.NewMemTransport()
	l.Engine().AttachTransport(mem)
	l.reconcileToggles()
	if l.transport.clickBus == 0 {
		t.Fatal("reconcile should reserve the beat bus")
	}
	if l.eng.Registry.Len() != 1 {
		t.Fatalf("reconcile should create the click node, registry=%d", l.eng.Registry.Len())
	}

	l.eng.RequestRebuild()
	stepRebuild(t, l)
	after := l.eng.Registry.Len()
	l.reconcileToggles()
	if l.eng.Registry.Len() != after+1 {
		t.Fatal("click node should be recreated after a rebuild")
	}
	if l.transport.clickBus == 0 {
		t.Fatal("beat bus should be re-reserved after a rebuild")
	}
}

// TestClickPulseWaitsForBus verifies the beat pulse never writes to bus 0
// when the click was toggled before any bus existed.
func TestClickPulseWaitsForBus(t *testing.T) {
	l, mem := newTestLoop(t)
	l.transport.clickOn = true
	l.transport.start(time.Now().Add(-time.Second), 120)

	l.transportTick(time.Now())

	l.Engine().Disconnect()
	if n := mem.CountAddress(scsynth.AddrControlSet); n != 0 {
		t.Fatalf("pulse must not fire without a click bus, got %d control sets", n)
	}
}

// TestLoopRebuildAndShutdown runs the loop end to end over a recording
// transport: a session sync triggers a phased rebuild, a note plays through
// the rebuilt graph, and shutdown closes the feedback stream.
func TestLoopRebuildAndShutdown(t *testing.T) {
	l, mem := newTestLoop(t)
	closed := drainFeedback(l)
	go l.Run()

	sess := testutil.DemoSession()
	reply := NewReply()
	if err := l.Submit(SyncSession{Session: sess, Reply: reply}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	select {
	case res := <-reply:
		if res.Err != nil {
			t.Fatalf("sync failed: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync reply never resolved")
	}

	// The rebuild runs one phase per tick; one group per instrument plus the
	// deck group appear once it completes.
	wantGroups := 1 + len(sess.Instruments)
	waitFor(t, "rebuilt groups", func() bool {
		return mem.CountAddress(scsynth.AddrGroupNew) >= wantGroups
	})

	// Let the remaining rebuild phases settle before counting voice synths.
	base := mem.CountAddress(scsynth.AddrSynthNew)
	waitFor(t, "rebuild to settle", func() bool {
		time.Sleep(50 * time.Millisecond)
		n := mem.CountAddress(scsynth.AddrSynthNew)
		settled := n == base
		base = n
		return settled
	})
	if err := l.Submit(SpawnVoice{InstrumentID: sess.Instruments[0].ID, Pitch: 60, Velocity: 0.8}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitFor(t, "voice synths", func() bool {
		return mem.CountAddress(scsynth.AddrSynthNew) > base
	})

	if err := l.Submit(Shutdown{}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("feedback never closed after shutdown")
	}
	if mem.CountAddress(scsynth.AddrQuit) == 0 {
		t.Fatal("shutdown should quit the server")
	}
}

// TestLoopAbandonsRepliesOnShutdown verifies a pending discovery reply
// resolves with an error instead of leaking.
func TestLoopAbandonsRepliesOnShutdown(t *testing.T) {
	l, _ := newTestLoop(t)
	closed := drainFeedback(l)
	go l.Run()

	reply := NewReply()
	// No plugin chain is built, so the query fails fast and resolves.
	if err := l.Submit(QueryPluginParams{EffectID: "missing", Reply: reply}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	select {
	case res := <-reply:
		if res.Err == nil {
			t.Fatal("query against missing effect should error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never resolved")
	}

	if err := l.Submit(Shutdown{}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-closed
}
