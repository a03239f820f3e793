package scsynth

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"go.uber.org/zap"

	"github.com/shaban/scdeck"
)

// Sender is the sole writer to the outbound socket. It drains a bounded
// queue of already-built timed bundles on a dedicated goroutine, so socket
// writes never interleave and never block the control loop. Queue depth is
// exposed for telemetry.
type Sender struct {
	tr     Transport
	ch     chan osc.Bundle
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewSender creates a sender over the given transport with a fixed buffer.
func NewSender(tr Transport, buffer int, logger *zap.Logger) *Sender {
	if buffer <= 0 {
		buffer = 256
	}
	return &Sender{
		tr:     tr,
		ch:     make(chan osc.Bundle, buffer),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Start begins the writer goroutine. Safe to call once.
func (s *Sender) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				// Drain whatever is already queued, then exit. The bundles
				// carry their own timestamps so late sends are still valid.
				for {
					select {
					case b := <-s.ch:
						if err := s.tr.SendBundle(b); err != nil {
							s.logger.Warn("send during drain failed", zap.Error(err))
						}
					default:
						return
					}
				}
			case b := <-s.ch:
				if err := s.tr.SendBundle(b); err != nil {
					s.logger.Warn("bundle send failed", zap.Error(err))
				}
			}
		}
	}()
}

// Enqueue queues a bundle without blocking. It returns an error when the
// queue is full or the sender is stopped; callers fall back to a synchronous
// send in that case.
func (s *Sender) Enqueue(b osc.Bundle) error {
	select {
	case <-s.stop:
		return errors.New("sender stopped")
	default:
	}
	select {
	case s.ch <- b:
		return nil
	default:
		return scdeck.ErrQueueFull
	}
}

// Depth reports the current queue depth.
func (s *Sender) Depth() int {
	return len(s.ch)
}

// Close stops the writer and waits for it to finish draining.
func (s *Sender) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
