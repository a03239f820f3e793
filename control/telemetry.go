package control

import "time"

// tickStats accumulates tick durations between telemetry emissions.
type tickStats struct {
	count int
	total time.Duration
	max   time.Duration
}

func (s *tickStats) record(d time.Duration) {
	s.count++
	s.total += d
	if d > s.max {
		s.max = d
	}
}

func (s *tickStats) reset() {
	*s = tickStats{}
}

// emitTelemetry publishes the last window's loop health and resets the
// accumulators.
func (l *Loop) emitTelemetry() {
	t := Telemetry{
		TickCount:     l.stats.count,
		TickMax:       l.stats.max,
		PriorityDepth: len(l.priority),
		RoutineDepth:  len(l.routine),
		SenderDepth:   l.eng.SenderDepth(),
		LiveVoices:    l.eng.Voices.Live(),
		LiveNodes:     l.eng.Registry.Len(),
	}
	if l.stats.count > 0 {
		t.TickAvg = l.stats.total / time.Duration(l.stats.count)
	}
	l.stats.reset()
	l.emit(t)
}
