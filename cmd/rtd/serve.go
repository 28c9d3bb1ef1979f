package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/readthedocs/rtd/internal/governance"
	"github.com/readthedocs/rtd/pkg/api"
	v2 "github.com/readthedocs/rtd/pkg/api/v2"
	v3 "github.com/readthedocs/rtd/pkg/api/v3"
	"github.com/readthedocs/rtd/pkg/apiclient"
	"github.com/readthedocs/rtd/pkg/bootstrap"
	"github.com/readthedocs/rtd/pkg/builder"
	"github.com/readthedocs/rtd/pkg/config"
	"github.com/readthedocs/rtd/pkg/integrations"
	"github.com/readthedocs/rtd/pkg/oauth"
	"github.com/readthedocs/rtd/pkg/proxito"
	"github.com/readthedocs/rtd/pkg/tasks"
	"github.com/readthedocs/rtd/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	exchangesPerIntegration  = 10
)

type serveOptions struct {
	docsAddr  string
	apiAddr   string
	adminAddr string
	bootstrap string
	watch     bool
	noWorkers bool
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the documentation server, the APIs and the task workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyServeOptions(cmd, opts)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.docsAddr, "docs-listen", "", "HTTP listen address for documentation")
	cmd.Flags().StringVar(&opts.apiAddr, "api-listen", "", "HTTP listen address for the REST APIs")
	cmd.Flags().StringVar(&opts.adminAddr, "admin-listen", "", "HTTP listen address for health and metrics")
	cmd.Flags().StringVar(&opts.bootstrap, "bootstrap-path", "", "Seed file loaded into the store at startup")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Reapply the seed file whenever it changes")
	cmd.Flags().BoolVar(&opts.noWorkers, "no-workers", false, "Only publish tasks, do not consume them")
	return cmd
}

func (a *app) applyServeOptions(cmd *cobra.Command, opts *serveOptions) {
	if opts.docsAddr != "" {
		a.cfg.Server.DocsAddress = opts.docsAddr
	}
	if opts.apiAddr != "" {
		a.cfg.Server.APIAddress = opts.apiAddr
	}
	if opts.adminAddr != "" {
		a.cfg.Server.AdminAddress = opts.adminAddr
	}
	if opts.bootstrap != "" {
		a.cfg.Bootstrap.File = opts.bootstrap
	}
	if cmd.Flags().Changed("watch") {
		a.cfg.Bootstrap.Watch = opts.watch
	}
}

// serve orchestrates the application lifecycle until ctx is cancelled.
func (a *app) serve(ctx context.Context, opts *serveOptions) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		Endpoint:     a.cfg.Telemetry.OTLPEndpoint,
		Insecure:     a.cfg.Telemetry.Insecure,
		Environment:  a.cfg.Telemetry.Environment,
		ResourceTags: map[string]string{"log.level": a.cfg.Logging.Level},
		Redact:       a.cfg.Telemetry.Redact,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer a.shutdownTelemetry(telemetryShutdown)

	c, err := a.openComponents(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			a.logger.Error("close failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if err := a.startBootstrap(gctx, g, c); err != nil {
		return err
	}

	registry, err := a.taskRegistry(c)
	if err != nil {
		return err
	}
	apiLimiter := governance.NewRateLimiter(governance.RateLimiterConfig{
		RequestsPerSecond: a.cfg.API.RateLimitPerSec,
		BurstSize:         a.cfg.API.RateLimitBurst,
	})
	queueLimiter := governance.NewRateLimiter(governance.RateLimiterConfig{
		RequestsPerSecond: a.cfg.Queue.RatePerSec,
	})

	if !opts.noWorkers {
		worker := tasks.NewWorker(c.broker, registry,
			tasks.WithRetryPolicy(a.retryPolicy()),
			tasks.WithRateLimiter(queueLimiter),
			tasks.WithLogger(a.logger),
		)
		g.Go(func() error {
			a.logger.Info("task worker started", "queues", a.cfg.Queue.Queues, "tasks", registry.Names())
			return worker.Run(gctx, a.cfg.Queue.Queues...)
		})
	}

	docs := proxito.NewServerHandler(c.store, c.media, proxito.ConfigFrom(a.cfg.Domains), a.logger,
		proxito.WithAccess(c.perms),
		proxito.WithAuthenticator(proxito.TokenAuthenticator(c.store)),
	)
	servers := []*http.Server{
		a.newServer("docs", a.cfg.Server.DocsAddress, docs),
		a.newServer("api", a.cfg.Server.APIAddress, a.apiHandler(c, apiLimiter)),
		a.newServer("admin", a.cfg.Server.AdminAddress, otelhttp.NewHandler(a.adminHandler(c, apiLimiter, queueLimiter), "admin")),
	}
	for _, srv := range servers {
		if err := a.listen(g, srv); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("rtd stopped")
	return nil
}

func (a *app) shutdownTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
	}
}

// startBootstrap applies the seed file and, when watching, keeps applying
// it in the background.
func (a *app) startBootstrap(ctx context.Context, g *errgroup.Group, c *components) error {
	path := a.cfg.Bootstrap.File
	if path == "" {
		return nil
	}
	loader := bootstrap.NewLoader(c.store, c.projects, a.logger)
	if !a.cfg.Bootstrap.Watch {
		seed, err := config.LoadSeed(path)
		if err != nil {
			return err
		}
		_, err = loader.Apply(ctx, seed)
		return err
	}

	provider, err := config.NewSeedProvider(path, a.logger)
	if err != nil {
		return err
	}
	if _, err := loader.Apply(ctx, provider.Current()); err != nil {
		_ = provider.Close()
		return err
	}
	updates := provider.Subscribe()
	g.Go(func() error {
		loader.Watch(ctx, updates)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return provider.Close()
	})
	return nil
}

// taskRegistry binds every task the platform runs.
func (a *app) taskRegistry(c *components) (*tasks.Registry, error) {
	reg := tasks.NewRegistry()
	c.projects.RegisterTasks(reg)

	providers := oauth.NewRegistry(a.cfg.OAuth, httpClient(), c.breakers)
	oauth.NewTasks(c.store, providers, c.broker, c.perms, a.cfg.OAuth.WebhookHost, a.logger).Register(reg)

	c.indexer.RegisterTasks(reg)

	client, err := apiclient.New(apiclient.ConfigFrom(a.cfg), a.logger)
	if err != nil {
		return nil, err
	}
	updater := builder.NewUpdater(client, c.media, builder.SettingsFrom(a.cfg), a.cfg.Builder.DocRoot,
		builder.WithFileSyncer(c.indexer),
		builder.WithUpdaterLogger(a.logger),
	)
	updater.RegisterTasks(reg)
	updater.RegisterSyncTask(reg, client)
	return reg, nil
}

func (a *app) apiHandler(c *components, limiter *governance.RateLimiter) http.Handler {
	engine := api.NewEngine("rtd-api", a.logger)
	recorder := integrations.NewRecorder(c.store, exchangesPerIntegration, a.logger)
	v2.NewServer(c.store, c.projects, recorder,
		v2.WithCredentials(a.cfg.Builder.APIUsername, a.cfg.Builder.APIPassword),
		v2.WithLogger(a.logger),
	).Register(engine)
	v3.NewServer(c.store, c.projects, c.perms,
		v3.WithRateLimiter(limiter),
		v3.WithSearch(c.indexer),
		v3.WithRecorder(recorder),
		v3.WithLogger(a.logger),
	).Register(engine)
	return engine
}

// adminHandler serves health, Prometheus metrics and runtime stats.
func (a *app) adminHandler(c *components, apiLimiter, queueLimiter *governance.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/admin/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := map[string]any{
			"circuit_breakers":  c.breakers.Stats(),
			"api_rate_limits":   apiLimiter.Stats(),
			"queue_rate_limits": queueLimiter.Stats(),
		}
		if c.memory != nil {
			stats["queues"] = c.memory.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	mux.HandleFunc("POST /admin/reset", func(w http.ResponseWriter, _ *http.Request) {
		c.breakers.ResetAll()
		c.perms.FlushCache()
		a.logger.Info("circuit breakers and permission cache reset")
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (a *app) newServer(name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv.RegisterOnShutdown(func() { a.logger.Info("server shutting down", "server", name) })
	return srv
}

// listen binds srv synchronously so address errors surface before serve
// returns, then serves in g. The docs and API servers use TLS when it is
// enabled.
func (a *app) listen(g *errgroup.Group, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	tlsCfg := a.cfg.Server.TLS
	useTLS := tlsCfg != nil && tlsCfg.Enabled && srv.Addr != a.cfg.Server.AdminAddress
	if useTLS {
		conf, err := tlsCfg.ServerConfig()
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("tls configuration: %w", err)
		}
		srv.TLSConfig = conf
	}
	a.logger.Info("server listening", "address", ln.Addr().String(), "tls", useTLS)
	g.Go(func() error {
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server on %s: %w", srv.Addr, err)
		}
		return nil
	})
	return nil
}
