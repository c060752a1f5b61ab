package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"hustlexp/storage"
)

// Handler delivers one claimed event. A nil error publishes the event; an
// error schedules a retry and, past the attempts budget, the DLQ.
type Handler func(ctx context.Context, event storage.OutboxEvent) error

// PoolOption configures the worker pool.
type PoolOption func(*WorkerPool)

// WithWorkers sets the goroutines per queue.
func WithWorkers(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets the idle poll cadence.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *WorkerPool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize sets the claim batch size.
func WithBatchSize(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WorkerPool drains the outbox queues. Each registered queue gets its own set
// of claim loops so a backed-up queue never starves the others.
type WorkerPool struct {
	db  *gorm.DB
	log *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	workers  int
	interval time.Duration
	batch    int
	paused   atomic.Bool
	now      func() time.Time
}

// NewWorkerPool constructs an idle pool; Register queues, then Run.
func NewWorkerPool(db *gorm.DB, log *slog.Logger, opts ...PoolOption) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	p := &WorkerPool{
		db:       db,
		log:      log,
		handlers: make(map[string]Handler),
		workers:  2,
		interval: 250 * time.Millisecond,
		batch:    25,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a queue to its delivery handler. Must happen before Run.
func (p *WorkerPool) Register(queue string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = handler
}

// Pause stops claiming new events; in-flight deliveries finish.
func (p *WorkerPool) Pause() { p.paused.Store(true) }

// Resume restarts claiming.
func (p *WorkerPool) Resume() { p.paused.Store(false) }

// Paused reports the pause flag, for the health endpoint.
func (p *WorkerPool) Paused() bool { return p.paused.Load() }

// Run blocks until the context is cancelled and every worker has drained.
func (p *WorkerPool) Run(ctx context.Context) {
	p.mu.Lock()
	queues := make([]string, 0, len(p.handlers))
	for queue := range p.handlers {
		queues = append(queues, queue)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, queue := range queues {
		for i := 0; i < p.workers; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				p.runQueue(ctx, queue)
			}(queue)
		}
	}
	wg.Wait()
}

func (p *WorkerPool) runQueue(ctx context.Context, queue string) {
	p.mu.Lock()
	handler := p.handlers[queue]
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.paused.Load() {
			p.sleep(ctx)
			continue
		}
		claimed, err := ClaimBatch(p.db, queue, p.batch, p.now())
		if err != nil {
			p.log.Error("outbox claim failed", "queue", queue, "error", err)
			p.sleep(ctx)
			continue
		}
		if len(claimed) == 0 {
			p.sleep(ctx)
			continue
		}
		for _, event := range claimed {
			p.deliver(ctx, queue, event, handler)
		}
	}
}

func (p *WorkerPool) deliver(ctx context.Context, queue string, event storage.OutboxEvent, handler Handler) {
	start := p.now()
	err := handler(ctx, event)
	elapsed := p.now().Sub(start)
	if err != nil {
		p.log.Warn("outbox delivery failed",
			"queue", queue, "event_type", event.EventType, "event_id", event.ID,
			"attempt", event.Attempts+1, "elapsed", elapsed, "error", err)
		if markErr := MarkFailed(p.db, &event, err, p.now()); markErr != nil {
			p.log.Error("outbox mark failed", "event_id", event.ID, "error", markErr)
		}
		return
	}
	if markErr := MarkPublished(p.db, event.ID, p.now()); markErr != nil {
		p.log.Error("outbox mark published", "event_id", event.ID, "error", markErr)
	}
}

func (p *WorkerPool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
