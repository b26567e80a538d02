// Package app wires the forwarding pipeline together: configuration,
// logging, stores, queues, transports, engine and the admin API. Nothing
// in here is global; the App owns every component it starts.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/busybox42/relayd/internal/api"
	"github.com/busybox42/relayd/internal/config"
	"github.com/busybox42/relayd/internal/dedup"
	"github.com/busybox42/relayd/internal/engine"
	"github.com/busybox42/relayd/internal/logging"
	"github.com/busybox42/relayd/internal/metrics"
	"github.com/busybox42/relayd/internal/queue"
	"github.com/busybox42/relayd/internal/repository"
	"github.com/busybox42/relayd/internal/transport"
)

// App is the assembled forwarding service.
type App struct {
	Config *config.Config

	Repository repository.Repository
	DedupStore dedup.Store
	Dedup      *dedup.Service
	Backend    queue.Backend
	Queues     *queue.Manager
	Router     *transport.Router
	Metrics    *metrics.Metrics
	StatsStore *metrics.ValkeyStore
	Engine     *engine.Engine
	API        *api.Server

	logger        *slog.Logger
	metricsServer *http.Server
}

// New builds the application from configuration. Nothing is connected or
// started yet; Start does that.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(logging.Config{
		Type:   cfg.Logging.Type,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	repo, err := repository.Factory(repository.Config{
		Type:     cfg.Repository.Type,
		Host:     cfg.Repository.Host,
		Port:     cfg.Repository.Port,
		Database: cfg.Repository.Database,
		Username: cfg.Repository.Username,
		Password: cfg.Repository.Password,
		SSLMode:  cfg.Repository.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	store, err := dedup.Factory(dedup.Config{
		Type:     cfg.Dedup.Type,
		Host:     cfg.Dedup.Host,
		Port:     cfg.Dedup.Port,
		Password: cfg.Dedup.Password,
		Database: cfg.Dedup.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup store: %w", err)
	}

	backend, err := queue.NewBackend(queue.Config{
		Type:     cfg.Queue.Type,
		Host:     cfg.Queue.Host,
		Port:     cfg.Queue.Port,
		Password: cfg.Queue.Password,
		Database: cfg.Queue.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue backend: %w", err)
	}

	queues := queue.NewManager(backend, queue.ManagerConfig{
		RetrySweepInterval:     cfg.RetrySweepInterval(),
		RateLimitSweepInterval: cfg.RateLimitSweepInterval(),
	})

	// Production transports implement transport.Transport and slot in
	// here; the loopback pair serves development and tests.
	router := transport.NewRouter(
		transport.NewLoopback("direct"),
		transport.NewLoopback("broadcast"),
	)

	m := metrics.New()

	var statsStore *metrics.ValkeyStore
	var recorder metrics.StatsRecorder
	if cfg.Stats.Enabled && cfg.Stats.Address != "" {
		statsStore, err = metrics.NewValkeyStore(cfg.Stats.Address)
		if err != nil {
			// Rolling stats are an observability nicety, not a pipeline
			// dependency.
			slog.Default().Warn("failed to connect delivery stats store, continuing without",
				"address", cfg.Stats.Address,
				"error", err,
			)
		} else {
			recorder = statsStore
		}
	}

	dedupSvc := dedup.NewService(store, cfg.DedupTTL())
	eng := engine.New(engine.Config{
		Workers:           cfg.Pipeline.Workers,
		MaxAttempts:       cfg.Pipeline.MaxAttempts,
		BackoffMultiplier: cfg.Pipeline.BackoffMultiplier,
		RetryBaseDelay:    cfg.RetryBaseDelay(),
		RetryMaxDelay:     cfg.RetryMaxDelay(),
		DequeueTimeout:    cfg.DequeueTimeout(),
		DeliveryTimeout:   cfg.DeliveryTimeout(),
	}, repo, dedupSvc, queues, router, m, recorder)

	apiServer, err := api.NewServer(&api.Config{
		Enabled:    true,
		ListenAddr: cfg.Server.Listen,
	}, eng, queues, repo, m, statsAdapter(statsStore), dedupSvc)
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	return &App{
		Config:     cfg,
		Repository: repo,
		DedupStore: store,
		Dedup:      dedupSvc,
		Backend:    backend,
		Queues:     queues,
		Router:     router,
		Metrics:    m,
		StatsStore: statsStore,
		Engine:     eng,
		API:        apiServer,
		logger:     slog.Default().With("component", "app"),
	}, nil
}

// statsAdapter turns a possibly-nil concrete store into the API's
// interface without producing a non-nil interface holding a nil pointer.
func statsAdapter(store *metrics.ValkeyStore) api.StatsStore {
	if store == nil {
		return nil
	}
	return store
}

// Start connects the backing stores and launches every component. Store
// connections are retried with exponential backoff so the service
// survives starting before its databases.
func (a *App) Start(ctx context.Context) error {
	if err := a.connectWithRetry(ctx, "repository", a.Repository.Connect); err != nil {
		return err
	}
	if err := a.connectWithRetry(ctx, "dedup store", a.DedupStore.Connect); err != nil {
		return err
	}
	if err := a.connectWithRetry(ctx, "queue backend", a.Backend.Connect); err != nil {
		return err
	}

	if err := a.Queues.Start(); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}
	if err := a.Engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := a.API.Start(); err != nil {
		return fmt.Errorf("failed to start admin API: %w", err)
	}
	if a.Config.Metrics.Enabled {
		a.metricsServer = a.Metrics.StartMetricsServer(a.Config.Metrics.Listen)
	}

	a.logger.Info("relayd started",
		"api", a.Config.Server.Listen,
		"workers", a.Config.Pipeline.Workers,
		"repository", a.Repository.Type(),
		"queue", a.Backend.Type(),
		"dedup", a.DedupStore.Type(),
	)
	return nil
}

// Stop shuts components down in reverse start order. Inbound surfaces
// close first so in-flight items can drain.
func (a *App) Stop() {
	if err := a.API.Stop(); err != nil {
		a.logger.Error("error stopping admin API", "error", err)
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}
	if err := a.Engine.Stop(); err != nil {
		a.logger.Error("error stopping engine", "error", err)
	}
	a.Queues.Stop()

	if err := a.Backend.Close(); err != nil {
		a.logger.Error("error closing queue backend", "error", err)
	}
	if err := a.DedupStore.Close(); err != nil {
		a.logger.Error("error closing dedup store", "error", err)
	}
	if a.StatsStore != nil {
		a.StatsStore.Close()
	}
	if err := a.Repository.Close(); err != nil {
		a.logger.Error("error closing repository", "error", err)
	}

	a.logger.Info("relayd stopped")
}

// connectWithRetry keeps trying a store connection until it succeeds or
// the context is cancelled.
func (a *App) connectWithRetry(ctx context.Context, name string, connect func() error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 500 * time.Millisecond
	backoffCfg.MaxInterval = 10 * time.Second

	for {
		err := connect()
		if err == nil {
			return nil
		}

		sleep := backoffCfg.NextBackOff()
		a.logger.Warn("store connection failed, retrying",
			"store", name,
			"retry_in", sleep,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up connecting %s: %w (last error: %v)", name, ctx.Err(), err)
		case <-time.After(sleep):
		}
	}
}
