package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/handlers"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/queue"
	"github.com/ternarybob/dunner/internal/queue/workers"
	"github.com/ternarybob/dunner/internal/services/batch"
	"github.com/ternarybob/dunner/internal/services/messaging"
	"github.com/ternarybob/dunner/internal/services/portal"
	"github.com/ternarybob/dunner/internal/services/progress"
	"github.com/ternarybob/dunner/internal/services/scheduler"
	"github.com/ternarybob/dunner/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager *storage.Manager

	// Retrieval
	ArtifactStore *portal.ArtifactStore
	BrowserPool   *portal.Pool

	// Messaging and progress
	ProgressHub      *progress.Hub
	MessagingService *messaging.Service

	// Batches and durable queues
	QueueManager       *queue.BadgerManager
	BatchService       *batch.Service
	RetrievalProcessor *workers.JobProcessor
	DeliveryProcessor  *workers.JobProcessor

	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	ProcessHandler   *handlers.ProcessHandler
	BatchHandler     *handlers.BatchHandler
	FileHandler      *handlers.FileHandler
	MessagingHandler *handlers.MessagingHandler
	SchedulerHandler *handlers.SchedulerHandler
	StatusHandler    *handlers.StatusHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// Processors start after every worker is registered
	app.RetrievalProcessor.Start()
	app.DeliveryProcessor.Start()
	app.SchedulerService.Start()

	if cfg.Messaging.RestoreOnStart {
		common.SafeGo(logger, "restoreSessions", func() {
			if err := app.MessagingService.RestoreAll(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Failed to restore messaging sessions")
			}
		})
	}

	logger.Info().
		Int("browser_pool", cfg.Portal.MaxConcurrency).
		Str("default_mode", cfg.Batch.DefaultMode).
		Bool("cleanup_enabled", cfg.Cleanup.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens Badger and SQLite and prepares the working directories
func (a *App) initDatabase() error {
	for _, dir := range []string{a.Config.Storage.Filesystem.Downloads, a.Config.Storage.Filesystem.Temp} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("badger", a.Config.Storage.Badger.Path).
		Str("sqlite", a.Config.Storage.SQLite.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes the services in dependency order:
// progress hub, browser pool, messaging, queue, batch orchestrator,
// queue processors, then the scheduler.
func (a *App) initServices() error {
	cfg := a.Config
	ctx := context.Background()

	a.ProgressHub = progress.NewHub(cfg.Progress.BufferSize, a.Logger)

	// 1. Browser pool driving the portal state machine
	a.ArtifactStore = portal.NewArtifactStore(cfg.Storage.Filesystem.Downloads)

	var validator portal.ArtifactValidator
	if cfg.Portal.ValidatePDF {
		validator = portal.NewPDFValidator()
	}

	machine := portal.NewMachine(portal.MachineConfig{
		RetryLimit:           cfg.Portal.RetryLimit,
		RetryDelay:           common.ParseDuration(cfg.Portal.RetryDelay, 2*time.Second),
		MaxDueLineInjections: cfg.Portal.MaxDueLineInjections,
	}, a.ArtifactStore, validator, a.Logger)

	launcher := portal.NewChromeLauncher(portal.ChromeConfig{
		URL:             cfg.Portal.URL,
		Headless:        cfg.Portal.Headless,
		NoSandbox:       cfg.Portal.NoSandbox,
		UserAgent:       cfg.Portal.UserAgent,
		SearchTimeout:   common.ParseDuration(cfg.Portal.SearchTimeout, 10*time.Second),
		DebtTimeout:     common.ParseDuration(cfg.Portal.DebtTimeout, 5*time.Second),
		TermsTimeout:    common.ParseDuration(cfg.Portal.TermsTimeout, 60*time.Second),
		GenerateTimeout: common.ParseDuration(cfg.Portal.GenerateTimeout, 35*time.Second),
		ModalTimeout:    common.ParseDuration(cfg.Portal.ModalTimeout, 5*time.Second),
		ArtifactTimeout: common.ParseDuration(cfg.Portal.ArtifactTimeout, 30*time.Second),
		SettleDelay:     time.Second,
	}, a.Logger)

	a.BrowserPool = portal.NewPool(portal.PoolConfig{
		MaxConcurrency: cfg.Portal.MaxConcurrency,
		PoolTimeout:    common.ParseDuration(cfg.Portal.PoolTimeout, 200*time.Second),
		StartupTimeout: 30 * time.Second,
	}, launcher, machine, a.Logger)

	if err := a.BrowserPool.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize browser pool: %w", err)
	}

	// 2. Messaging multiplexer, device keys share the SQLite database
	provider, err := messaging.NewWhatsmeowProvider(ctx, a.StorageManager.SQLite().DB(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging provider: %w", err)
	}

	a.MessagingService = messaging.NewService(
		provider,
		a.StorageManager.SessionStorage(),
		a.ProgressHub,
		messaging.Config{
			PhonePrefix:    cfg.Messaging.PhonePrefix,
			SendRate:       cfg.Messaging.SendRate,
			SendBurst:      cfg.Messaging.SendBurst,
			PairingTimeout: common.ParseDuration(cfg.Messaging.PairingTimeout, 60*time.Second),
		},
		a.Logger,
	)

	// 3. Durable retrieval and delivery queues on the Badger store
	a.QueueManager, err = queue.NewBadgerManager(
		a.StorageManager.Badger().DB(),
		queue.ConfigFromSettings(cfg.Queue),
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	// 4. Batch orchestrator
	a.BatchService = batch.NewService(
		batch.Config{
			DefaultMode: models.BatchMode(cfg.Batch.DefaultMode),
			Columns: batch.Columns{
				Ref:    cfg.Batch.RefColumn,
				Phones: cfg.Batch.PhoneColumns,
				Name:   cfg.Batch.NameColumn,
			},
			DefaultCaption: cfg.Messaging.DefaultCaption,
			Concurrency:    cfg.Portal.MaxConcurrency,
		},
		a.StorageManager.FileStorage(),
		a.StorageManager.BatchStorage(),
		a.BrowserPool,
		a.MessagingService,
		a.QueueManager,
		a.ProgressHub,
		a.ArtifactStore,
		a.Logger,
	)

	// 5. Queue processors, the batch service observes job outcomes
	pollInterval := common.ParseDuration(cfg.Queue.PollInterval, time.Second)

	a.RetrievalProcessor = workers.NewJobProcessor(a.QueueManager, models.QueueRetrieval, a.Logger, cfg.Queue.RetrievalConcurrency)
	a.RetrievalProcessor.SetMaxIdleBackoff(pollInterval)
	a.RetrievalProcessor.RegisterExecutor(workers.NewRetrievalWorker(a.BrowserPool, a.QueueManager, a.BatchService, a.Logger))

	a.DeliveryProcessor = workers.NewJobProcessor(a.QueueManager, models.QueueDelivery, a.Logger, cfg.Queue.DeliveryConcurrency)
	a.DeliveryProcessor.SetMaxIdleBackoff(pollInterval)
	a.DeliveryProcessor.RegisterExecutor(workers.NewDeliveryWorker(a.MessagingService, a.BatchService, a.Logger))

	// 6. Scheduler with the file cleanup job
	a.SchedulerService = scheduler.NewService(a.Logger)
	if cfg.Cleanup.Enabled {
		cleanup := scheduler.NewCleanupJob(
			[]string{cfg.Storage.Filesystem.Downloads, cfg.Storage.Filesystem.Temp},
			common.ParseDuration(cfg.Cleanup.MaxAge, 24*time.Hour),
			a.Logger,
		)
		if err := a.SchedulerService.RegisterJob(scheduler.CleanupJobName, cfg.Cleanup.Schedule, "Remove stale downloads and uploads", cleanup); err != nil {
			return fmt.Errorf("failed to register cleanup job: %w", err)
		}
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.ProcessHandler = handlers.NewProcessHandler(a.BatchService, a.Config.Batch.ReportName, a.Config.Batch.ReportSheet, a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.StorageManager.BatchStorage(), a.Logger)
	a.FileHandler = handlers.NewFileHandler(a.StorageManager.FileStorage(), a.Logger)
	a.MessagingHandler = handlers.NewMessagingHandler(a.MessagingService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService)
	a.StatusHandler = handlers.NewStatusHandler(a.BrowserPool, a.ProgressHub, a.BatchService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.ProgressHub, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// Close stops background work and releases browsers, sessions and storage
func (a *App) Close() error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	// In-flight jobs finish before the processors return
	if a.RetrievalProcessor != nil {
		a.RetrievalProcessor.Stop()
	}
	if a.DeliveryProcessor != nil {
		a.DeliveryProcessor.Stop()
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	if a.BrowserPool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.BrowserPool.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to shut down browser pool")
		}
		cancel()
	}

	if a.MessagingService != nil {
		a.MessagingService.Close()
		a.Logger.Info().Msg("Messaging sessions closed")
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
