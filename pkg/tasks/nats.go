package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	subjectPrefix = "rtd.tasks."
	queueGroup    = "rtd-workers"
)

// Subject returns the NATS subject carrying queue.
func Subject(queue string) string { return subjectPrefix + queue }

// NATSBroker publishes tasks as JSON on rtd.tasks.<queue>; consumers share
// the rtd-workers queue group so each task is delivered once.
type NATSBroker struct {
	conn         *nats.Conn
	workers      int
	bufferSize   int
	drainTimeout time.Duration
	logger       *slog.Logger
}

// DialNATS connects to url.
func DialNATS(url string, workers, bufferSize int, logger *slog.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("rtd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return NewNATSBroker(conn, workers, bufferSize, logger), nil
}

// NewNATSBroker wraps an existing connection.
func NewNATSBroker(conn *nats.Conn, workers, bufferSize int, logger *slog.Logger) *NATSBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &NATSBroker{
		conn:         conn,
		workers:      workers,
		bufferSize:   bufferSize,
		drainTimeout: 30 * time.Second,
		logger:       logger,
	}
}

func (b *NATSBroker) Publish(ctx context.Context, queue string, t Task) error {
	if b.conn.IsClosed() {
		return ErrBrokerClosed
	}
	t.Queue = queue
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.Name, err)
	}
	if err := b.conn.Publish(Subject(queue), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(queue), err)
	}
	return nil
}

func (b *NATSBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	msgs := make(chan *nats.Msg, b.bufferSize)
	sub, err := b.conn.ChanQueueSubscribe(Subject(queue), queueGroup, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject(queue), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg := <-msgs:
					var t Task
					if err := json.Unmarshal(msg.Data, &t); err != nil {
						b.logger.Warn("discarding malformed task", "subject", msg.Subject, "error", err)
						continue
					}
					if err := handler(gctx, t); err != nil {
						b.logger.Debug("task failed", "task", t.Name, "task_id", t.ID, "error", err)
					}
				}
			}
		})
	}

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn("unsubscribe failed", "subject", Subject(queue), "error", err)
	}
	return g.Wait()
}

func (b *NATSBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- b.conn.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			b.conn.Close()
			return fmt.Errorf("drain nats connection: %w", err)
		}
		return nil
	case <-time.After(b.drainTimeout):
		b.conn.Close()
		return fmt.Errorf("drain timeout after %v", b.drainTimeout)
	}
}
