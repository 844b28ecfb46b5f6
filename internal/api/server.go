// Package api assembles the orchestrator: it builds every service from
// configuration and exposes them over an echo HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/database"
	"github.com/arcmirror/arcmirror/internal/maintenance"
	"github.com/arcmirror/arcmirror/internal/metacache"
	"github.com/arcmirror/arcmirror/internal/metrics"
	"github.com/arcmirror/arcmirror/internal/origin"
	"github.com/arcmirror/arcmirror/internal/progress"
	"github.com/arcmirror/arcmirror/internal/queue"
	"github.com/arcmirror/arcmirror/internal/retry"
	"github.com/arcmirror/arcmirror/internal/scheduler"
	"github.com/arcmirror/arcmirror/internal/scheduler/tasks"
	"github.com/arcmirror/arcmirror/internal/websocket"
)

// Server is the HTTP API server together with the services behind it.
type Server struct {
	echo      *echo.Echo
	db        *database.DB
	hub       *websocket.Hub
	cfg       *config.Config
	logger    zerolog.Logger
	startedAt time.Time

	metrics     *metrics.Metrics
	cache       *metacache.Cache
	fetcher     *origin.Fetcher
	queue       *queue.Manager
	progress    *progress.Manager
	maintenance *maintenance.Engine
	scheduler   *scheduler.Scheduler
}

type serverOptions struct {
	launcher   queue.Launcher
	configPath string
}

// Option customizes server construction.
type Option func(*serverOptions)

// WithLauncher replaces the worker process launcher.
func WithLauncher(l queue.Launcher) Option {
	return func(o *serverOptions) { o.launcher = l }
}

// WithConfigPath sets the config file handed to spawned workers.
func WithConfigPath(path string) Option {
	return func(o *serverOptions) { o.configPath = path }
}

// NewServer creates the API server. hub may be nil, in which case no
// events are pushed to clients.
func NewServer(ctx context.Context, db *database.DB, hub *websocket.Hub, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		db:        db,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}

	if err := s.initServices(ctx, o); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initServices(ctx context.Context, o serverOptions) error {
	s.metrics = metrics.New()

	cache, err := metacache.New(ctx, s.cfg.Cache, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("open metadata cache: %w", err)
	}
	s.cache = cache

	client := origin.NewClient(s.cfg.Origin, retry.FromConfig(s.cfg.Retry), s.logger)
	s.fetcher = origin.NewFetcher(client, cache, s.cfg.Cache.TTL, s.logger)

	launcher := o.launcher
	if launcher == nil {
		launcher = queue.NewExecLauncher(s.cfg.Queue.WorkerPath, o.configPath, s.logger)
	}
	s.queue = queue.NewManager(queue.NewStore(s.db), launcher, s.fetcher, queue.Config{
		Concurrency:  s.cfg.Queue.Concurrency,
		CacheRoot:    s.cfg.Library.CacheRoot,
		SnapshotPath: s.cfg.Queue.SnapshotPath,
	}, s.logger)
	s.queue.SetMetrics(s.metrics)

	var sink progress.Broadcaster
	if s.hub != nil {
		s.queue.SetBroadcaster(s.hub)
		sink = s.hub
	}
	s.progress = progress.NewManager(sink, s.logger)

	s.maintenance = maintenance.New(maintenance.Config{
		CacheRoot: s.cfg.Library.CacheRoot,
		HashCheck: s.cfg.Library.HashCheck,
	}, s.fetcher, s.queue, s.logger)
	s.maintenance.SetProgress(s.progress)
	s.maintenance.SetMetrics(s.metrics)

	sched, err := scheduler.New(s.logger)
	if err != nil {
		cache.Close()
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.scheduler = sched

	if err := s.registerTasks(); err != nil {
		cache.Close()
		return err
	}
	return nil
}

// registerTasks registers the background tasks. An empty cron expression
// disables a task.
func (s *Server) registerTasks() error {
	sc := s.cfg.Scheduler
	if sc.ReconcileCron != "" {
		if err := tasks.RegisterReconcileTask(s.scheduler, sc.ReconcileCron, s.queue, s.logger); err != nil {
			return fmt.Errorf("register reconcile task: %w", err)
		}
	}
	if sc.VerifyCron != "" {
		if err := tasks.RegisterVerifyTask(s.scheduler, sc.VerifyCron, s.maintenance, s.logger); err != nil {
			return fmt.Errorf("register verify task: %w", err)
		}
	}
	if sc.RefreshCron != "" {
		if err := tasks.RegisterRefreshTask(s.scheduler, sc.RefreshCron, s.maintenance, s.logger); err != nil {
			return fmt.Errorf("register refresh task: %w", err)
		}
	}
	return nil
}

// Startup recovers queue state left by a previous run and starts the
// scheduler. It must be called once before Start.
func (s *Server) Startup(ctx context.Context) error {
	failed, err := s.queue.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile queue: %w", err)
	}
	if failed > 0 {
		s.logger.Warn().Int("count", failed).Msg("Marked orphaned downloads as failed")
	}
	s.scheduler.Start()
	return nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the scheduler, the workers and the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	var errs []error
	if err := s.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := s.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http: %w", err))
	}
	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	return errors.Join(errs...)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
