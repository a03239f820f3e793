package scsynth

import "sync/atomic"

// IDCounter issues node ids. Ids below the base are reserved for the server's
// own root nodes. Monotonic allocation doubles as the deterministic tiebreak
// for voice stealing, so the counter is never reset while connected.
type IDCounter struct {
	next atomic.Int32
}

// NewIDCounter creates a counter starting at the client node-id base.
func NewIDCounter() *IDCounter {
	c := &IDCounter{}
	c.next.Store(999)
	return c
}

// Next returns a fresh node id.
func (c *IDCounter) Next() int32 {
	return c.next.Add(1)
}
