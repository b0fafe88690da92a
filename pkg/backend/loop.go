package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// runLoop calls tick every period until ctx is done or tick fails. The
// sleep after a tick is period minus the tick's duration, never less than
// minSleep.
func runLoop(ctx context.Context, period, minSleep time.Duration, logger *slog.Logger, tick func(now time.Time) error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if err := tick(start); err != nil {
			return err
		}
		took := time.Since(start)

		wait := period - took
		if wait < minSleep {
			if wait < 0 {
				logger.Debug("control loop overrun", "took", took, "period", period)
			}
			wait = minSleep
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// loopStats aggregates tick timestamps and errors over a window.
type loopStats struct {
	window time.Duration

	mu      sync.Mutex
	start   time.Time
	stamps  []time.Time
	errors  int
	current *LoopStats
}

func newLoopStats(window time.Duration) *loopStats {
	return &loopStats{window: window}
}

func (s *loopStats) tick(now time.Time) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = now
	}
	s.stamps = append(s.stamps, now)
	s.mu.Unlock()
}

func (s *loopStats) fail() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// roll closes the window when it is over. extra is attached as the motor
// controller stats.
func (s *loopStats) roll(now time.Time, extra func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.start.IsZero() || now.Sub(s.start) <= s.window {
		return
	}
	if len(s.stamps) > 2 {
		var (
			sumFreq float64
			maxDT   time.Duration
			n       int
		)
		for i := 1; i < len(s.stamps); i++ {
			dt := s.stamps[i].Sub(s.stamps[i-1])
			if dt <= 0 {
				continue
			}
			sumFreq += 1 / dt.Seconds()
			n++
			if dt > maxDT {
				maxDT = dt
			}
		}
		st := &LoopStats{MaxInterval: maxDT.Seconds(), Errors: s.errors}
		if n > 0 {
			st.MeanFrequency = sumFreq / float64(n)
		}
		if extra != nil {
			st.MotorController = extra()
		}
		s.current = st
	}
	s.stamps = s.stamps[:0]
	s.errors = 0
	s.start = now
}

func (s *loopStats) snapshot() *LoopStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	st := *s.current
	return &st
}
