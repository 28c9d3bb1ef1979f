package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/permissions"
	"github.com/readthedocs/rtd/pkg/projects"
	"github.com/readthedocs/rtd/pkg/search"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// components are the long lived dependencies shared by the commands.
type components struct {
	store    *storage.Store
	media    mediastorage.Storage
	broker   tasks.Broker
	memory   *tasks.MemoryBroker
	projects *projects.Service
	indexer  *search.Indexer
	perms    *permissions.Checker
	breakers *governance.CircuitBreakerManager
	registry *prometheus.Registry
	closers  []io.Closer
}

// openComponents opens the store, media storage and broker selected by the
// configuration. Callers must Close the result.
func (a *app) openComponents(ctx context.Context) (*components, error) {
	c := &components{
		registry: prometheus.NewRegistry(),
		breakers: governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig()),
	}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, store)

	media, err := mediastorage.New(ctx, a.cfg.Media)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open media storage: %w", err)
	}
	c.media = media
	if closer, ok := media.(io.Closer); ok {
		c.closers = append(c.closers, closer)
	}

	broker, err := a.openBroker(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.broker = broker
	c.closers = append(c.closers, broker)

	c.projects = projects.NewService(store, broker, a.cfg.Domains, a.logger, projects.WithMedia(media))
	c.indexer = search.NewIndexer(store, broker, media, a.logger)

	perms, err := permissions.NewChecker(ctx, store, permissions.Options{
		OrganizationsEnabled: a.cfg.Permissions.OrganizationsEnabled,
		PolicyFile:           a.cfg.Permissions.PolicyFile,
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("load permission policy: %w", err)
	}
	c.perms = perms
	return c, nil
}

func (a *app) openStore() (*storage.Store, error) {
	switch a.cfg.Storage.Backend {
	case "badger":
		bcfg := storage.DefaultBadgerConfig(a.cfg.Storage.Path)
		bcfg.SyncWrites = a.cfg.Storage.SyncWrites
		bcfg.GCInterval = a.cfg.Storage.GCInterval
		bcfg.Logger = a.logger
		kv, err := storage.OpenBadger(bcfg)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using badger storage", "path", a.cfg.Storage.Path)
		return storage.NewStore(kv), nil
	default:
		a.logger.Info("using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
}

func (a *app) openBroker(c *components) (tasks.Broker, error) {
	q := a.cfg.Queue
	switch q.Broker {
	case "nats":
		broker, err := tasks.DialNATS(q.URL, q.Workers, q.QueueSize, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using nats broker", "url", q.URL)
		return broker, nil
	default:
		c.memory = tasks.NewMemoryBroker(q.Workers, q.QueueSize, tasks.NewPoolMetrics(c.registry), a.logger)
		return c.memory, nil
	}
}

// retryPolicy is the task retry policy from the queue section.
func (a *app) retryPolicy() *governance.RetryPolicy {
	cfg := governance.DefaultRetryConfig()
	cfg.MaxRetries = a.cfg.Queue.MaxRetries
	if a.cfg.Queue.RetryDelay > 0 {
		cfg.InitialBackoff = a.cfg.Queue.RetryDelay
	}
	return governance.NewRetryPolicy(cfg)
}

// httpClient is the traced client used for VCS provider calls.
func httpClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Close releases everything in reverse opening order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
