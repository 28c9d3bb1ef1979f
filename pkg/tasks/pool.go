package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrStopTimeout    = errors.New("worker pool stop timed out")
)

// PoolMetrics are the Prometheus series shared by every queue's pool.
type PoolMetrics struct {
	queueDepth     *prometheus.GaugeVec
	submitted      *prometheus.CounterVec
	processed      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// NewPoolMetrics creates and registers the pool series on reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtd_task_queue_depth",
			Help: "Tasks waiting in the queue",
		}, []string{"queue"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtd_task_submitted_total",
			Help: "Tasks submitted to the queue",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtd_task_processed_total",
			Help: "Tasks processed, by status",
		}, []string{"queue", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rtd_task_dropped_total",
			Help: "Tasks dropped because the queue was full",
		}, []string{"queue"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rtd_task_processing_duration_seconds",
			Help:    "Time spent processing tasks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"queue", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.submitted, m.processed, m.dropped, m.processingTime)
	}
	return m
}

// PoolStats are the counters of one pool.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Pool is a bounded queue drained by a fixed number of workers.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error
	metrics   *PoolMetrics

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64
}

// NewPool creates a pool; metrics may be nil.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, metrics *PoolMetrics) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		metrics:   metrics,
		workChan:  make(chan T, queueSize),
	}
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.WithLabelValues(p.name).Inc()
			p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.WithLabelValues(p.name).Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.New("worker pool already started")
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			start := time.Now()
			err := p.processor(ctx, work)

			atomic.AddInt64(&p.processed, 1)
			status := "success"
			if err != nil {
				atomic.AddInt64(&p.failed, 1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(p.name, status).Inc()
				p.metrics.processingTime.WithLabelValues(p.name, status).Observe(time.Since(start).Seconds())
				p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.workChan)))
			}
		}
	}
}
