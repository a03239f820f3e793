package engine

import (
	"testing"
	"time"
)

func newVoice(inst string, pitch int, vel float32, group int32, spawned time.Time, buses ControlBusTriple) *VoiceChain {
	return &VoiceChain{
		InstrumentID: inst,
		Pitch:        pitch,
		Velocity:     vel,
		GroupID:      group,
		SpawnedAt:    spawned,
		Buses:        buses,
	}
}

// TestSelectVictimSamePitch verifies a same-pitch voice is always stolen,
// even far below the polyphony cap.
func TestSelectVictimSamePitch(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()
	v := newVoice("i1", 60, 0.9, 1000, now, a.AcquireTriple())
	a.Add(v)

	victim := a.SelectVictim("i1", 60, 16)
	if victim != v {
		t.Fatalf("expected same-pitch victim, got %+v", victim)
	}
}

func TestSelectVictimBelowCap(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()
	a.Add(newVoice("i1", 60, 0.9, 1000, now, a.AcquireTriple()))
	a.Add(newVoice("i1", 62, 0.5, 1003, now, a.AcquireTriple()))

	if victim := a.SelectVictim("i1", 64, 4); victim != nil {
		t.Fatalf("expected no steal below cap, got pitch %d", victim.Pitch)
	}
}

// TestSelectVictimPrecedence walks the steal order at the cap: a released
// voice first, then lowest velocity, ties broken by spawn time then group id.
func TestSelectVictimPrecedence(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()

	released := newVoice("i1", 60, 0.9, 1000, now.Add(-3*time.Second), a.AcquireTriple())
	released.ReleasedAt = now.Add(-50 * time.Millisecond)
	released.ReleaseDur = time.Second
	quiet := newVoice("i1", 62, 0.2, 1003, now.Add(-2*time.Second), a.AcquireTriple())
	loud := newVoice("i1", 64, 0.8, 1006, now.Add(-1*time.Second), a.AcquireTriple())
	a.Add(released)
	a.Add(quiet)
	a.Add(loud)

	// Live count is 2 (released does not count), cap 2 forces a steal.
	if victim := a.SelectVictim("i1", 65, 2); victim != released {
		t.Fatalf("expected released victim, got pitch %d", victim.Pitch)
	}

	// Without a released voice the lowest velocity goes.
	a.NodeEnded(released.GroupID)
	if victim := a.SelectVictim("i1", 65, 2); victim != quiet {
		t.Fatalf("expected lowest-velocity victim, got pitch %d", victim.Pitch)
	}
}

func TestSelectVictimTieBreaks(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()

	older := newVoice("i1", 60, 0.5, 1006, now.Add(-2*time.Second), a.AcquireTriple())
	newer := newVoice("i1", 62, 0.5, 1003, now.Add(-1*time.Second), a.AcquireTriple())
	a.Add(older)
	a.Add(newer)
	if victim := a.SelectVictim("i1", 64, 2); victim != older {
		t.Fatalf("equal velocity should steal oldest, got pitch %d", victim.Pitch)
	}

	// Identical spawn times fall back to the lowest group node id, which is
	// deterministic because ids are monotonic.
	twinA := newVoice("i2", 60, 0.5, 2001, now, a.AcquireTriple())
	twinB := newVoice("i2", 62, 0.5, 2000, now, a.AcquireTriple())
	a.Add(twinA)
	a.Add(twinB)
	if victim := a.SelectVictim("i2", 64, 2); victim != twinB {
		t.Fatalf("expected lowest group id victim, got group %d", victim.GroupID)
	}
}

// TestTriplePoolConservation verifies buses round-trip through the pool: a
// confirmed node end returns the triple and the next acquire reuses it.
func TestTriplePoolConservation(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()

	first := a.AcquireTriple()
	v := newVoice("i1", 60, 0.9, 1000, now, first)
	a.Add(v)
	if a.PoolSize() != 0 {
		t.Fatalf("pool should be empty, got %d", a.PoolSize())
	}

	// Ending an unrelated node reclaims nothing.
	if a.NodeEnded(9999) {
		t.Fatal("unknown node should not reclaim a voice")
	}
	if !a.NodeEnded(v.GroupID) {
		t.Fatal("owned node end should reclaim the voice")
	}
	if a.PoolSize() != 1 {
		t.Fatalf("triple should be pooled, pool=%d", a.PoolSize())
	}
	if got := a.AcquireTriple(); got != first {
		t.Fatalf("expected pooled triple %+v back, got %+v", first, got)
	}
}

// TestSweepTiming verifies only chains whose fade window fully elapsed are
// reclaimed.
func TestSweepTiming(t *testing.T) {
	a := NewVoiceAllocator(NewBusAllocator())
	now := time.Now()

	expired := newVoice("i1", 60, 0.9, 1000, now.Add(-time.Second), a.AcquireTriple())
	expired.ReleasedAt = now.Add(-500 * time.Millisecond)
	expired.ReleaseDur = 100 * time.Millisecond

	fading := newVoice("i1", 62, 0.9, 1003, now.Add(-time.Second), a.AcquireTriple())
	fading.ReleasedAt = now.Add(-100 * time.Millisecond)
	fading.ReleaseDur = time.Second

	held := newVoice("i1", 64, 0.9, 1006, now.Add(-time.Hour), a.AcquireTriple())

	a.Add(expired)
	a.Add(fading)
	a.Add(held)

	swept := a.Sweep(now)
	if len(swept) != 1 || swept[0] != 1000 {
		t.Fatalf("expected exactly group 1000 swept, got %v", swept)
	}
	if len(a.Voices()) != 2 {
		t.Fatalf("expected 2 chains kept, got %d", len(a.Voices()))
	}
	if a.PoolSize() != 1 {
		t.Fatalf("swept triple should be pooled, pool=%d", a.PoolSize())
	}
}

func TestInvalidateDropsPool(t *testing.T) {
	buses := NewBusAllocator()
	a := NewVoiceAllocator(buses)
	a.Add(newVoice("i1", 60, 0.9, 1000, time.Now(), a.AcquireTriple()))
	a.NodeEnded(1000)

	a.Invalidate()
	buses.Reset()
	if a.PoolSize() != 0 || len(a.Voices()) != 0 {
		t.Fatalf("invalidate should drop everything, pool=%d voices=%d", a.PoolSize(), len(a.Voices()))
	}
	// Fresh triples restart from the control bus base after the reset.
	next := a.AcquireTriple()
	if next.Freq != firstControlBus {
		t.Fatalf("expected fresh triple at bus %d, got %d", firstControlBus, next.Freq)
	}
}
