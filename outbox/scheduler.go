package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc is one scheduled maintenance pass.
type SweepFunc func(ctx context.Context) error

type sweep struct {
	name     string
	interval time.Duration
	fn       SweepFunc
}

// Scheduler runs registered sweeps on fixed intervals. Each sweep gets its own
// ticker goroutine; a slow sweep delays only itself.
type Scheduler struct {
	log    *slog.Logger
	mu     sync.Mutex
	sweeps []sweep
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Register adds a sweep. Must happen before Run.
func (s *Scheduler) Register(name string, interval time.Duration, fn SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, sweep{name: name, interval: interval, fn: fn})
}

// Run blocks until the context is cancelled and all sweep loops have exited.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	registered := make([]sweep, len(s.sweeps))
	copy(registered, s.sweeps)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range registered {
		wg.Add(1)
		go func(entry sweep) {
			defer wg.Done()
			ticker := time.NewTicker(entry.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					start := time.Now()
					if err := entry.fn(ctx); err != nil && ctx.Err() == nil {
						s.log.Error("sweep failed", "sweep", entry.name, "error", err)
						continue
					}
					s.log.Debug("sweep done", "sweep", entry.name, "elapsed", time.Since(start))
				}
			}
		}(entry)
	}
	wg.Wait()
}
