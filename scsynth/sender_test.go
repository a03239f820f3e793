package scsynth

import (
	"testing"
	"time"

	"github.com/scgolang/osc"
	"go.uber.org/zap"
)

func testBundle() osc.Bundle {
	return osc.Bundle{
		Timetag: osc.FromTime(time.Now()),
		Packets: []osc.Packet{Status()},
	}
}

func TestSenderDelivers(t *testing.T) {
	mem := NewMemTransport()
	s := NewSender(mem, 8, zap.NewNop())
	s.Start()

	if err := s.Enqueue(testBundle()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(mem.Bundles()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bundle never delivered")
		}
		time.Sleep(time.Millisecond)
	}
	s.Close()
}

func TestSenderQueueFull(t *testing.T) {
	mem := NewMemTransport()
	// Not started: nothing drains, so the buffer fills deterministically.
	s := NewSender(mem, 1, zap.NewNop())
	if err := s.Enqueue(testBundle()); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := s.Enqueue(testBundle()); err == nil {
		t.Fatal("full queue should refuse")
	}
	if s.Depth() != 1 {
		t.Fatalf("depth should be 1, got %d", s.Depth())
	}
}

// TestSenderDrainsOnClose verifies queued bundles still go out during
// shutdown; their timestamps keep them valid on the server side.
func TestSenderDrainsOnClose(t *testing.T) {
	mem := NewMemTransport()
	s := NewSender(mem, 8, zap.NewNop())
	s.Start()
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(testBundle()); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	s.Close()
	if got := len(mem.Bundles()); got != 5 {
		t.Fatalf("expected 5 bundles after drain, got %d", got)
	}
	if err := s.Enqueue(testBundle()); err == nil {
		t.Fatal("stopped sender should refuse")
	}
}
