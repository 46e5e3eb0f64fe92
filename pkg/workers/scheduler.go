// Package workers runs the scheduled maintenance cycles: confidence
// decay, revision verification, multi-hop inference, and episode
// clustering. Every cycle is a plain RunOnce method so tests drive
// workers with a fake clock; the scheduler only adds the tickers.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for the cycle implementations.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Cycle is one schedulable maintenance pass.
type Cycle interface {
	Name() string
	RunOnce(ctx context.Context) error
}

type scheduled struct {
	cycle    Cycle
	interval time.Duration
}

// Scheduler runs cycles on their configured intervals.
type Scheduler struct {
	logger *slog.Logger
	jobs   []scheduled
	wg     sync.WaitGroup
}

// NewScheduler builds an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Add registers a cycle. Non-positive intervals disable it.
func (s *Scheduler) Add(c Cycle, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("cycle disabled", "cycle", c.Name())
		return
	}
	s.jobs = append(s.jobs, scheduled{cycle: c, interval: interval})
}

// Run starts one goroutine per cycle and blocks until ctx is cancelled
// and all cycles have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					start := time.Now()
					if err := job.cycle.RunOnce(ctx); err != nil {
						s.logger.Error("cycle failed", "cycle", job.cycle.Name(), "error", err)
						continue
					}
					s.logger.Info("cycle complete", "cycle", job.cycle.Name(), "took", time.Since(start))
				}
			}
		}()
	}
	s.wg.Wait()
}
