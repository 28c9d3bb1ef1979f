package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

// Worker consumes queues from a broker and dispatches each task through the
// registry, retrying failures and throttling per queue.
type Worker struct {
	broker   Broker
	registry *Registry
	retry    *governance.RetryPolicy
	limiter  *governance.RateLimiter
	logger   *slog.Logger
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

func WithRetryPolicy(p *governance.RetryPolicy) WorkerOption {
	return func(w *Worker) { w.retry = p }
}

func WithRateLimiter(l *governance.RateLimiter) WorkerOption {
	return func(w *Worker) { w.limiter = l }
}

func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

func NewWorker(broker Broker, registry *Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		broker:   broker,
		registry: registry,
		retry:    governance.NewRetryPolicy(governance.RetryConfig{MaxRetries: 0}),
		limiter:  governance.NewRateLimiter(governance.RateLimiterConfig{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes every queue until ctx is done.
func (w *Worker) Run(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		queues = []string{QueueDefault}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		g.Go(func() error {
			w.logger.Info("task worker started", "queue", queue)
			return w.broker.Consume(gctx, queue, w.Handle)
		})
	}
	return g.Wait()
}

// Handle runs a single task. Unknown tasks are not retried.
func (w *Worker) Handle(ctx context.Context, t Task) error {
	if err := w.limiter.Wait(ctx, t.Queue); err != nil {
		return err
	}

	start := time.Now()
	attempts := 0
	err := w.retry.Do(ctx, func(attempt int) error {
		attempts = attempt + 1
		t.Attempt = attempt
		err := w.registry.Dispatch(ctx, t)
		if errors.Is(err, ErrUnknownTask) {
			return governance.Permanent(err)
		}
		return err
	})

	outcome := "success"
	logger := w.logger.With("queue", t.Queue, "task", t.Name, "task_id", t.ID, "attempts", attempts)
	if err != nil {
		outcome = "failure"
		logger.Error("task failed", "error", err)
	} else {
		logger.Debug("task finished", "duration", time.Since(start))
	}
	telemetry.RecordTask(ctx, telemetry.TaskMetrics{
		Queue:    t.Queue,
		Task:     t.Name,
		Outcome:  outcome,
		Duration: time.Since(start),
		Attempts: attempts,
	})
	return err
}

// Inline is a Broker that runs tasks synchronously on Publish. It suits
// one-shot commands that have no worker process.
type Inline struct {
	Worker *Worker
}

func (i Inline) Publish(ctx context.Context, queue string, t Task) error {
	t.Queue = queue
	return i.Worker.Handle(ctx, t)
}

func (i Inline) Consume(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (i Inline) Close() error { return nil }
