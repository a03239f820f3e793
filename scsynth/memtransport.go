package scsynth

import (
	"sync"

	"github.com/scgolang/osc"
)

// MemTransport is a recording Transport for tests and dry runs. It retains
// every packet in order and can report the instructions a test expects.
type MemTransport struct {
	mu       sync.Mutex
	messages []osc.Message
	bundles  []osc.Bundle
	FailNext bool // when set, the next send returns an error and clears the flag
}

// NewMemTransport creates an empty recording transport.
func NewMemTransport() *MemTransport {
	return &MemTransport{}
}

// SendMessage implements Transport.
func (t *MemTransport) SendMessage(m osc.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext {
		t.FailNext = false
		return errSendRefused
	}
	t.messages = append(t.messages, m)
	return nil
}

// SendBundle implements Transport.
func (t *MemTransport) SendBundle(b osc.Bundle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext {
		t.FailNext = false
		return errSendRefused
	}
	t.bundles = append(t.bundles, b)
	return nil
}

// Clone implements Transport. The clone records into the same store so tests
// observe background-thread traffic too.
func (t *MemTransport) Clone() (Transport, error) {
	return t, nil
}

// Close implements Transport.
func (t *MemTransport) Close() error {
	return nil
}

// Messages returns a copy of the immediate messages sent so far.
func (t *MemTransport) Messages() []osc.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]osc.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Bundles returns a copy of the timed bundles sent so far.
func (t *MemTransport) Bundles() []osc.Bundle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]osc.Bundle, len(t.bundles))
	copy(out, t.bundles)
	return out
}

// BundledMessages flattens all bundle contents, in send order.
func (t *MemTransport) BundledMessages() []osc.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []osc.Message
	for _, b := range t.bundles {
		for _, p := range b.Packets {
			if m, ok := p.(osc.Message); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// CountAddress reports how many sent instructions (immediate or bundled)
// carry the given address.
func (t *MemTransport) CountAddress(addr string) int {
	n := 0
	for _, m := range t.Messages() {
		if m.Address == addr {
			n++
		}
	}
	for _, m := range t.BundledMessages() {
		if m.Address == addr {
			n++
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (t *MemTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.bundles = nil
}

type sendRefused struct{}

func (sendRefused) Error() string { return "send refused by test transport" }

var errSendRefused = sendRefused{}
