package engine

// Bus index bases. Audio buses below firstAudioBus address the hardware
// channels; control buses start above a small reserved block used by the
// click and tuner.
const (
	firstAudioBus   = int32(16)
	firstControlBus = int32(16)
)

// BusKey identifies a bus reservation by its owner entity and purpose.
type BusKey struct {
	Owner   string
	Purpose string
}

// BusAllocator issues audio-rate and control-rate bus indices. Reservations
// are idempotent per key. There is no per-bus free: buses are reclaimed
// wholesale on full rebuild via Reset. Owned by the control loop goroutine.
type BusAllocator struct {
	nextAudio   int32
	nextControl int32
	audio       map[BusKey]int32
	control     map[BusKey]int32
}

// NewBusAllocator creates an allocator with empty reservations.
func NewBusAllocator() *BusAllocator {
	return &BusAllocator{
		nextAudio:   firstAudioBus,
		nextControl: firstControlBus,
		audio:       make(map[BusKey]int32),
		control:     make(map[BusKey]int32),
	}
}

// Audio reserves (or returns the existing) audio bus for the key.
func (a *BusAllocator) Audio(owner, purpose string) int32 {
	key := BusKey{Owner: owner, Purpose: purpose}
	if idx, ok := a.audio[key]; ok {
		return idx
	}
	idx := a.nextAudio
	a.nextAudio++
	a.audio[key] = idx
	return idx
}

// Control reserves (or returns the existing) control bus for the key.
func (a *BusAllocator) Control(owner, purpose string) int32 {
	key := BusKey{Owner: owner, Purpose: purpose}
	if idx, ok := a.control[key]; ok {
		return idx
	}
	idx := a.nextControl
	a.nextControl++
	a.control[key] = idx
	return idx
}

// ControlRange reserves n consecutive control buses and returns the first
// index. Used for voice control-bus triples.
func (a *BusAllocator) ControlRange(n int32) int32 {
	idx := a.nextControl
	a.nextControl += n
	return idx
}

// AudioCount reports the number of reserved audio buses.
func (a *BusAllocator) AudioCount() int {
	return len(a.audio)
}

// Reset reclaims every bus wholesale. Callers must drop anything still
// holding indices (voice pools, node wiring) at the same time.
func (a *BusAllocator) Reset() {
	a.nextAudio = firstAudioBus
	a.nextControl = firstControlBus
	a.audio = make(map[BusKey]int32)
	a.control = make(map[BusKey]int32)
}
