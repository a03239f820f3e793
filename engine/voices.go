package engine

import (
	"time"
)

// ControlBusTriple is the per-voice set of control buses: frequency, gate
// and velocity. A triple is owned by exactly one voice or sits in the free
// pool; it returns to the pool only after the server confirms the owning
// node ended, never speculatively, because in-flight bundles may still
// reference the buses.
type ControlBusTriple struct {
	Freq int32
	Gate int32
	Vel  int32
}

// VoiceChain is one currently-sounding note: the node ids forming its chain
// and its owned control buses. A released chain stays visible to allocation
// logic until its fade window elapses.
type VoiceChain struct {
	InstrumentID string
	Pitch        int
	Velocity     float32

	GroupID  int32
	EnvID    int32
	SourceID int32

	SpawnedAt  time.Time
	ReleasedAt time.Time // zero while the voice is held
	ReleaseDur time.Duration

	Buses ControlBusTriple
}

// Released reports whether the voice has entered its fade window.
func (v *VoiceChain) Released() bool {
	return !v.ReleasedAt.IsZero()
}

// Expired reports whether a released voice's fade window has fully elapsed.
func (v *VoiceChain) Expired(now time.Time) bool {
	return v.Released() && now.After(v.ReleasedAt.Add(v.ReleaseDur))
}

// OwnsNode reports whether the given node id belongs to this chain.
func (v *VoiceChain) OwnsNode(id int32) bool {
	return id == v.GroupID || id == v.EnvID || id == v.SourceID
}

// VoiceAllocator owns the live voice chains and the free pool of control-bus
// triples. Owned by the control loop goroutine; no locking.
type VoiceAllocator struct {
	voices []*VoiceChain
	pool   []ControlBusTriple
	buses  *BusAllocator
}

// NewVoiceAllocator creates an allocator drawing fresh buses from buses.
func NewVoiceAllocator(buses *BusAllocator) *VoiceAllocator {
	return &VoiceAllocator{buses: buses}
}

// AcquireTriple returns a pooled triple, or allocates a fresh one.
func (a *VoiceAllocator) AcquireTriple() ControlBusTriple {
	if n := len(a.pool); n > 0 {
		t := a.pool[n-1]
		a.pool = a.pool[:n-1]
		return t
	}
	first := a.buses.ControlRange(3)
	return ControlBusTriple{Freq: first, Gate: first + 1, Vel: first + 2}
}

// ReleaseTriple returns a triple that never became owned by a chain.
func (a *VoiceAllocator) ReleaseTriple(t ControlBusTriple) {
	a.pool = append(a.pool, t)
}

// Add registers a spawned voice chain.
func (a *VoiceAllocator) Add(v *VoiceChain) {
	a.voices = append(a.voices, v)
}

// Voices returns all chains, including released ones still fading.
func (a *VoiceAllocator) Voices() []*VoiceChain {
	return a.voices
}

// LiveCount counts the non-released chains for an instrument.
func (a *VoiceAllocator) LiveCount(instrumentID string) int {
	n := 0
	for _, v := range a.voices {
		if v.InstrumentID == instrumentID && !v.Released() {
			n++
		}
	}
	return n
}

// Live counts all non-released chains across every instrument.
func (a *VoiceAllocator) Live() int {
	n := 0
	for _, v := range a.voices {
		if !v.Released() {
			n++
		}
	}
	return n
}

// PoolSize reports the number of free triples.
func (a *VoiceAllocator) PoolSize() int {
	return len(a.pool)
}

// FindActive returns the non-released chain for (instrument, pitch), if any.
func (a *VoiceAllocator) FindActive(instrumentID string, pitch int) *VoiceChain {
	for _, v := range a.voices {
		if v.InstrumentID == instrumentID && v.Pitch == pitch && !v.Released() {
			return v
		}
	}
	return nil
}

// SelectVictim picks the chain to steal for a new note on the instrument,
// or nil when no steal is needed. Precedence: a same-pitch voice is always
// stolen (retrigger); otherwise stealing only happens at the polyphony cap,
// preferring a released voice, then the lowest-velocity active voice, ties
// broken by oldest spawn time, then by lowest group node id.
func (a *VoiceAllocator) SelectVictim(instrumentID string, pitch, polyphony int) *VoiceChain {
	if v := a.FindActive(instrumentID, pitch); v != nil {
		return v
	}
	if a.LiveCount(instrumentID) < polyphony {
		return nil
	}

	var released *VoiceChain
	for _, v := range a.voices {
		if v.InstrumentID != instrumentID || !v.Released() {
			continue
		}
		if released == nil || v.ReleasedAt.Before(released.ReleasedAt) {
			released = v
		}
	}
	if released != nil {
		return released
	}

	var victim *VoiceChain
	for _, v := range a.voices {
		if v.InstrumentID != instrumentID || v.Released() {
			continue
		}
		if victim == nil || betterVictim(v, victim) {
			victim = v
		}
	}
	return victim
}

// betterVictim reports whether a should be stolen before b.
func betterVictim(a, b *VoiceChain) bool {
	if a.Velocity != b.Velocity {
		return a.Velocity < b.Velocity
	}
	if !a.SpawnedAt.Equal(b.SpawnedAt) {
		return a.SpawnedAt.Before(b.SpawnedAt)
	}
	return a.GroupID < b.GroupID
}

// NodeEnded handles a confirmed node end. When the node belongs to a chain,
// the chain is removed and its triple returns to the pool. Reports whether
// a chain was reclaimed.
func (a *VoiceAllocator) NodeEnded(nodeID int32) bool {
	for i, v := range a.voices {
		if v.OwnsNode(nodeID) {
			a.pool = append(a.pool, v.Buses)
			a.voices = append(a.voices[:i], a.voices[i+1:]...)
			return true
		}
	}
	return false
}

// Sweep reclaims released chains whose fade window has fully elapsed. This
// is the safety net against lost end notifications; the triple returns to
// the pool here too. Returns the group node ids of the swept chains so the
// caller can clean up the registry and issue defensive frees.
func (a *VoiceAllocator) Sweep(now time.Time) []int32 {
	var swept []int32
	kept := a.voices[:0]
	for _, v := range a.voices {
		if v.Expired(now) {
			a.pool = append(a.pool, v.Buses)
			swept = append(swept, v.GroupID)
			continue
		}
		kept = append(kept, v)
	}
	a.voices = kept
	return swept
}

// Invalidate drops every chain and the pool. Used on full rebuild, where the
// bus allocator is reset wholesale and pooled indices would go stale.
func (a *VoiceAllocator) Invalidate() {
	a.voices = nil
	a.pool = nil
}
