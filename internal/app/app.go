// Package app wires the two processes of the platform: the server, which
// owns the HTTP surface, the listener and the export registry, and the
// worker, which owns the database connection and runs queue jobs. Both
// meet in the shared Redis store.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/db"
	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/exports"
	"github.com/ternarybob/scrutor/internal/handlers"
	"github.com/ternarybob/scrutor/internal/listen"
	"github.com/ternarybob/scrutor/internal/metrics"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
	"github.com/ternarybob/scrutor/internal/scheduler"
	"github.com/ternarybob/scrutor/internal/sqlgen"
)

// App holds the server process: engine front door, websocket hub, pub/sub
// listener, export orchestration and the HTTP handlers. The server never
// opens a database connection; export jobs run here because only this
// process holds the export registry.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store      *cache.Cache
	Manager    *queue.Manager
	Callbacks  *engine.Callbacks
	Submitter  *engine.Submitter
	Controller *engine.Controller

	Hub      *listen.Hub
	Listener *listen.Listener
	Metrics  *metrics.Metrics

	ExportRegistry *exports.Registry
	ExportService  *exports.Service
	Scheduler      *scheduler.Scheduler

	APIHandler     *handlers.APIHandler
	QueryHandler   *handlers.QueryHandler
	WSHandler      *handlers.WebSocketHandler
	MessageHandler *handlers.MessageHandler
	ExportHandler  *handlers.ExportHandler
	StatusHandler  *handlers.StatusHandler

	exportPool *queue.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer initializes the server process with all dependencies.
func NewServer(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config: cfg,
		Logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	store, err := cache.New(ctx, cache.Options{
		URL:      cfg.Redis.URL,
		DBIndex:  cfg.Redis.DBIndex,
		TTL:      cfg.QueryTTL(),
		UseCache: cfg.Query.UseCache,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to shared store: %w", err)
	}
	a.Store = store

	a.Manager = queue.NewManager(store, logger)
	a.Callbacks = engine.NewCallbacks(store, cfg.Debug, logger)
	a.Submitter = engine.NewSubmitter(store, a.Manager, a.Callbacks, cfg, logger)
	compiler := sqlgen.NewCompiler(sqlgen.Options{}, logger)
	a.Controller = engine.NewController(store, a.Manager, a.Submitter, compiler, cfg, logger)

	a.Hub = listen.NewHub(logger)
	a.Metrics = metrics.New(a.Hub.Count)

	registry, err := exports.OpenRegistry(cfg.Exports.StorePath, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open export registry: %w", err)
	}
	a.ExportRegistry = registry
	a.ExportService = exports.NewService(store, a.Manager, registry, cfg, logger)

	if err := a.startExportPool(); err != nil {
		a.Close()
		return nil, err
	}

	a.Listener = listen.NewListener(store, a.Hub, a.Controller, a.ExportService, a.Metrics, logger)
	common.SafeGo(logger, "listener", func() {
		if err := a.Listener.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Listener stopped unexpectedly")
		}
	})

	if err := a.startScheduler(); err != nil {
		a.Close()
		return nil, err
	}

	a.initHandlers()

	// First corpus configuration load; a worker runs it and writes the
	// shared record every process reads.
	if _, err := a.Submitter.SubmitConfig(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to schedule initial config refresh")
	}

	logger.Info().Msg("Server initialization complete")
	return a, nil
}

// startExportPool runs a small in-process pool over the exports queue.
// Export jobs only read Redis and write local files, so the server stays
// free of database connections.
func (a *App) startExportPool() error {
	reg := queue.NewRegistry(a.Logger)
	if err := a.ExportService.RegisterWork(reg); err != nil {
		return err
	}
	if err := reg.RegisterFailure("failure", a.Callbacks.Failure); err != nil {
		return err
	}

	a.exportPool = queue.NewWorkerPool(a.Manager, reg, a.Store, a.Logger, queue.WorkerOptions{
		Concurrency:    2,
		Queues:         []string{models.QueueExports},
		ReceiveTimeout: a.Config.ReceiveTimeout(),
	})
	return a.exportPool.Start()
}

// startScheduler registers and starts the periodic maintenance jobs.
func (a *App) startScheduler() error {
	a.Scheduler = scheduler.New(a.Logger)

	if err := a.Scheduler.Register("config-refresh", "*/5 * * * *", func() error {
		_, err := a.Submitter.SubmitConfig(context.Background())
		return err
	}); err != nil {
		return err
	}

	if err := a.Scheduler.Register("websocket-sweep", "@every 1m", func() error {
		a.Hub.Sweep()
		return nil
	}); err != nil {
		return err
	}

	if err := a.Scheduler.Register("export-sweep", "@every 10m", func() error {
		_, err := a.ExportRegistry.SweepExpired(time.Duration(a.Config.Exports.TTLSeconds) * time.Second)
		return err
	}); err != nil {
		return err
	}

	return a.Scheduler.Start()
}

// initHandlers initializes all HTTP handlers.
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.QueryHandler = handlers.NewQueryHandler(a.Controller, a.Submitter, a.Metrics, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Hub, a.Controller, a.Submitter, a.Store, a.Logger)
	a.MessageHandler = handlers.NewMessageHandler(a.Store, a.Logger)
	a.ExportHandler = handlers.NewExportHandler(a.ExportService, a.ExportRegistry, a.Store, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Store, a.Manager, a.Hub, a.Scheduler, a.Logger)
}

// Close releases all server resources.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.exportPool != nil {
		if err := a.exportPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop export pool")
		}
	}
	if a.ExportRegistry != nil {
		if err := a.ExportRegistry.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close export registry")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			return fmt.Errorf("failed to close shared store: %w", err)
		}
	}
	return nil
}

// Worker holds the worker process: the database executor and the pool that
// runs query, sentence, meta and config jobs from the shared queues.
type Worker struct {
	Config *common.Config
	Logger arbor.ILogger

	Store    *cache.Cache
	Manager  *queue.Manager
	Executor db.Executor
	Pool     *queue.WorkerPool
}

// NewWorker initializes a worker process.
func NewWorker(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*Worker, error) {
	store, err := cache.New(ctx, cache.Options{
		URL:      cfg.Redis.URL,
		DBIndex:  cfg.Redis.DBIndex,
		TTL:      cfg.QueryTTL(),
		UseCache: cfg.Query.UseCache,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to shared store: %w", err)
	}

	exec, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager := queue.NewManager(store, logger)
	reg := queue.NewRegistry(logger)

	work := engine.NewWork(exec, store, logger)
	if err := work.Register(reg); err != nil {
		exec.Close()
		store.Close()
		return nil, err
	}
	callbacks := engine.NewCallbacks(store, cfg.Debug, logger)
	if err := callbacks.Register(reg); err != nil {
		exec.Close()
		store.Close()
		return nil, err
	}

	pool := queue.NewWorkerPool(manager, reg, store, logger, queue.WorkerOptions{
		Concurrency:     cfg.Worker.Concurrency,
		Queues:          cfg.Worker.Queues,
		ReceiveTimeout:  cfg.ReceiveTimeout(),
		CallbackTimeout: time.Duration(cfg.Query.CallbackTimeoutSeconds) * time.Second,
	})

	return &Worker{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Manager:  manager,
		Executor: exec,
		Pool:     pool,
	}, nil
}

// Start launches the worker pool.
func (w *Worker) Start() error {
	return w.Pool.Start()
}

// Close drains the pool and releases the worker's resources.
func (w *Worker) Close() error {
	if err := w.Pool.Stop(); err != nil {
		w.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
	}
	if err := w.Executor.Close(); err != nil {
		w.Logger.Warn().Err(err).Msg("Failed to close database executor")
	}
	return w.Store.Close()
}
