// Package projects holds the project level workflows: syncing VCS versions,
// choosing the stable version, queueing builds and resolving docs URLs.
package projects

import (
	"log/slog"

	"github.com/readthedocs/rtd/pkg/automation"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/mediastorage"
	"github.com/readthedocs/rtd/pkg/storage"
	"github.com/readthedocs/rtd/pkg/tasks"
)

// Service runs project workflows against the store.
type Service struct {
	store   *storage.Store
	broker  tasks.Broker
	media   mediastorage.Storage
	domains config.DomainsConfig
	rules   *automation.Manager
	logger  *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithMedia sets the storage cleaned by ClearArtifacts.
func WithMedia(media mediastorage.Storage) Option {
	return func(s *Service) { s.media = media }
}

// NewService creates a Service. broker may be nil, in which case builds are
// recorded but not queued.
func NewService(store *storage.Store, broker tasks.Broker, domains config.DomainsConfig, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		broker:  broker,
		domains: domains,
		logger:  logging.OrDefault(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rules = automation.NewManager(store, s, s.logger)
	return s
}

// Rules returns the automation rule manager wired to this service's build
// trigger.
func (s *Service) Rules() *automation.Manager {
	return s.rules
}
