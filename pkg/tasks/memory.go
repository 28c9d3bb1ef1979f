package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const stopTimeout = 30 * time.Second

// MemoryBroker keeps queues in process. Tasks published before a consumer
// attaches are held (up to queueSize) and handed over when it does.
type MemoryBroker struct {
	workers   int
	queueSize int
	metrics   *PoolMetrics
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	pools   map[string]*Pool[Task]
	pending map[string][]Task
}

// NewMemoryBroker creates an in-process broker running workers goroutines
// per consumed queue. metrics may be nil.
func NewMemoryBroker(workers, queueSize int, metrics *PoolMetrics, logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MemoryBroker{
		workers:   workers,
		queueSize: queueSize,
		metrics:   metrics,
		logger:    logger,
		pools:     make(map[string]*Pool[Task]),
		pending:   make(map[string][]Task),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, queue string, t Task) error {
	t.Queue = queue

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if pool, ok := b.pools[queue]; ok {
		return pool.Submit(t)
	}
	if len(b.pending[queue]) >= b.queueSize {
		return ErrQueueFull
	}
	b.pending[queue] = append(b.pending[queue], t)
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	pool := NewPool(queue, b.workers, b.queueSize, func(ctx context.Context, t Task) error {
		return handler(ctx, t)
	}, b.metrics)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pool.Stop(stopTimeout)
		return ErrBrokerClosed
	}
	if _, ok := b.pools[queue]; ok {
		b.mu.Unlock()
		_ = pool.Stop(stopTimeout)
		return ErrAlreadyActive
	}
	b.pools[queue] = pool
	backlog := b.pending[queue]
	delete(b.pending, queue)
	for _, t := range backlog {
		if err := pool.Submit(t); err != nil {
			b.logger.Warn("dropping queued task", "queue", queue, "task", t.Name, "task_id", t.ID, "error", err)
		}
	}
	b.mu.Unlock()

	b.logger.Debug("consuming queue", "queue", queue, "backlog", len(backlog))
	<-ctx.Done()

	b.mu.Lock()
	delete(b.pools, queue)
	b.mu.Unlock()
	if err := pool.Stop(stopTimeout); err != nil {
		b.logger.Warn("queue did not drain", "queue", queue, "error", err)
	}
	return nil
}

// Pending reports tasks waiting for a consumer on queue.
func (b *MemoryBroker) Pending(queue string) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Task(nil), b.pending[queue]...)
}

// Stats returns pool statistics for each consumed queue.
func (b *MemoryBroker) Stats() map[string]PoolStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]PoolStats, len(b.pools))
	for name, pool := range b.pools {
		out[name] = pool.Stats()
	}
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	pools := make([]*Pool[Task], 0, len(b.pools))
	for _, p := range b.pools {
		pools = append(pools, p)
	}
	b.mu.Unlock()

	for _, p := range pools {
		_ = p.Stop(stopTimeout)
	}
	return nil
}
