package engine

import (
	"testing"

	"github.com/shaban/scdeck/internal/testutil"
	"github.com/shaban/scdeck/scsynth"
)

// stepUntilDone drives the rebuild to completion, failing when it does not
// terminate within a generous bound.
func stepUntilDone(t *testing.T, e *Engine) int {
	t.Helper()
	for steps := 0; steps < 32; steps++ {
		done, err := e.RebuildStep()
		if err != nil {
			t.Fatalf("rebuild failed at step %d: %v", steps, err)
		}
		if done {
			return steps + 1
		}
	}
	t.Fatal("rebuild did not terminate")
	return 0
}

func TestRebuildPhasesTerminate(t *testing.T) {
	sess := testutil.DemoSession()
	e, _ := newTestEngine(t, sess)

	e.RequestRebuild()
	if !e.RebuildPending() {
		t.Fatal("rebuild should be pending after request")
	}
	// Teardown, alloc, one step per instrument, outputs, finalize.
	want := 3 + len(sess.Instruments) + 1
	if steps := stepUntilDone(t, e); steps != want {
		t.Fatalf("expected %d steps, got %d", want, steps)
	}
	if e.RebuildPending() {
		t.Fatal("rebuild should be cleared after finalize")
	}
}

func TestRebuildBuildsCompleteGraph(t *testing.T) {
	sess := testutil.DemoSession()
	e, mem := newTestEngine(t, sess)

	e.RequestRebuild()
	stepUntilDone(t, e)

	// After the rebuild every output stage is addressable.
	for _, inst := range sess.Instruments {
		if err := e.SetInstrumentControl(inst.ID, "volume", 0.7); err != nil {
			t.Fatalf("instrument %s has no output node: %v", inst.Name, err)
		}
	}
	for _, b := range sess.MixerBuses {
		if err := e.SetBusControl(b.ID, "volume", 0.7); err != nil {
			t.Fatalf("bus %s has no output node: %v", b.Name, err)
		}
	}
	for _, g := range sess.LayerGroups {
		if err := e.SetLayerGroupControl(g.ID, "volume", 0.7); err != nil {
			t.Fatalf("group %s has no output node: %v", g.Name, err)
		}
	}
	if err := e.SetEffectControl("fx-chorus", "mix", 0.6); err != nil {
		t.Fatalf("effect node missing: %v", err)
	}

	flush(e)
	// One deck group plus one group per instrument.
	if n := mem.CountAddress(scsynth.AddrGroupNew); n != 1+len(sess.Instruments) {
		t.Fatalf("expected %d groups, got %d", 1+len(sess.Instruments), n)
	}
	if mem.CountAddress(scsynth.AddrClearSched) != 1 {
		t.Fatal("teardown should clear the server schedule")
	}
}

// TestRebuildRerunNoLeak verifies a second rebuild frees the first graph and
// ends with the same registry size, so repeated rebuilds cannot leak nodes.
func TestRebuildRerunNoLeak(t *testing.T) {
	sess := testutil.DemoSession()
	e, mem := newTestEngine(t, sess)

	e.RequestRebuild()
	stepUntilDone(t, e)
	firstCount := e.Registry.Len()
	firstBuses := e.Buses.AudioCount()

	e.RequestRebuild()
	stepUntilDone(t, e)
	if e.Registry.Len() != firstCount {
		t.Fatalf("registry leaked: %d then %d", firstCount, e.Registry.Len())
	}
	if e.Buses.AudioCount() != firstBuses {
		t.Fatalf("buses leaked: %d then %d", firstBuses, e.Buses.AudioCount())
	}

	flush(e)
	// The second teardown frees the first graph's nodes.
	if mem.CountAddress(scsynth.AddrNodeFree) == 0 {
		t.Fatal("second teardown should free the previous graph")
	}
}

func TestRebuildCoalesces(t *testing.T) {
	sess := testutil.DemoSession()
	e, _ := newTestEngine(t, sess)

	e.RequestRebuild()
	if _, err := e.RebuildStep(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if _, err := e.RebuildStep(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	// A new request mid-flight restarts from teardown; the walk still
	// terminates in one full pass.
	e.RequestRebuild()
	want := 3 + len(sess.Instruments) + 1
	if steps := stepUntilDone(t, e); steps != want {
		t.Fatalf("coalesced rebuild should take %d steps, got %d", want, steps)
	}
}

func TestRebuildAbandonsOnFailure(t *testing.T) {
	sess := testutil.DemoSession()
	e, mem := newTestEngine(t, sess)

	e.RequestRebuild()
	mem.FailNext = true
	if _, err := e.RebuildStep(); err == nil {
		t.Fatal("teardown send failure should surface")
	}
	if e.RebuildPending() {
		t.Fatal("failed rebuild should be abandoned, not retried")
	}
	// A fresh request is the recovery path.
	e.RequestRebuild()
	stepUntilDone(t, e)
}

func TestRebuildInvalidatesVoices(t *testing.T) {
	sess := testutil.DemoSession()
	e, _ := newTestEngine(t, sess)
	inst := sess.Instruments[0]

	if err := e.SpawnVoice(inst.ID, 60, 0.8); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	e.RequestRebuild()
	stepUntilDone(t, e)
	if len(e.Voices.Voices()) != 0 || e.Voices.PoolSize() != 0 {
		t.Fatal("rebuild must drop voices and the stale bus pool")
	}

	// Spawning after the rebuild lands in the instrument's rebuilt group.
	if err := e.SpawnVoice(inst.ID, 60, 0.8); err != nil {
		t.Fatalf("post-rebuild spawn failed: %v", err)
	}
}
