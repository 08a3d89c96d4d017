package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jkaninda/bothost/internal/archive"
	"github.com/jkaninda/bothost/internal/config"
	"github.com/jkaninda/bothost/internal/generator"
	"github.com/jkaninda/bothost/internal/hoster"
	"github.com/jkaninda/bothost/internal/installer"
	"github.com/jkaninda/bothost/internal/llm"
	"github.com/jkaninda/bothost/internal/llm/gemini"
	"github.com/jkaninda/bothost/internal/llm/openai"
	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/observability"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/storage"
	pgstore "github.com/jkaninda/bothost/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/bothost/internal/storage/sqlite"
	"github.com/jkaninda/bothost/internal/supervisor"
	"github.com/jkaninda/bothost/internal/watcher"
	"github.com/jkaninda/bothost/internal/workspace"
)

// generateTimeout bounds one code-generation or repair call per model.
const generateTimeout = 2 * time.Minute

// components holds every initialized subsystem. Built once by
// initComponents, torn down by Cleanup.
type components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Store     storage.Store
	Workspace *workspace.Workspace
	Sessions  *session.Manager
	Hub       *notification.Hub
	Service   *hoster.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initComponents wires storage, observability, the security gate, the slot
// registry, the supervisor and the hosting service. Callers must call
// Cleanup when done.
func initComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger,
		semconv.ServiceVersion(version),
		observability.AttrMaxSlots.Int(cfg.Sessions.SlotsPerUser()),
		observability.AttrInterpreter.String(cfg.Supervisor.InterpreterPath()),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	c.Store = store
	c.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck(observability.CheckStorage, store.Ping)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Model providers.
	providers := buildProviders(cfg, logger)
	if obs != nil {
		for i, p := range providers {
			providers[i] = observability.NewInstrumentedProvider(p, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		}
	}
	if len(providers) == 0 {
		logger.Warn("no classifier models configured, uploads will be accepted unscanned")
	}
	scanChain := llm.NewModelChain(providers, cfg.Scanner.Timeout(), logger)

	// Security gate.
	audit, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	c.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	gate := security.NewGate(security.NewLLMClassifier(scanChain), security.Config{
		BatchSize:   cfg.Scanner.Batch(),
		MaxChars:    cfg.Scanner.Chars(),
		MaxFileSize: cfg.Scanner.FileSize(),
	}, audit, logger)

	var scanner hoster.Scanner = gate
	if obs != nil {
		scanner = observability.NewInstrumentedScanner(gate, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	logger.Debug("security gate initialized",
		slog.Any("models", scanChain.Models()),
		slog.Int("batch_size", cfg.Scanner.Batch()),
	)

	// Slot directories and registry.
	ws, err := workspace.New(cfg.ResolvedUploadsDir())
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	c.Workspace = ws
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck(observability.CheckWorkspace, observability.WorkspaceCheck(ws.Root))
		obs.Health.AddAdvisory(observability.CheckClassifier, observability.ClassifierCheck(scanChain.Models))
	}

	sessions := session.NewManager(session.Config{
		MaxSlots:       cfg.Sessions.SlotsPerUser(),
		SessionTimeout: cfg.Sessions.SessionTimeout(),
		GracePeriod:    cfg.Supervisor.GracePeriod(),
		KillWait:       cfg.Supervisor.KillWait(),
	}, ws, session.NewMetrics(obs.Registry()), logger)
	c.Sessions = sessions

	sup := supervisor.New(supervisor.Config{
		Interpreter:    cfg.Supervisor.InterpreterPath(),
		Env:            cfg.Supervisor.Env,
		MaxLines:       cfg.Supervisor.ConsoleLines(),
		MaxChars:       cfg.Supervisor.OutputChars(),
		GracePeriod:    cfg.Supervisor.GracePeriod(),
		KillWait:       cfg.Supervisor.KillWait(),
		UpdateInterval: cfg.Supervisor.UpdateInterval(),
		LinesPerUpdate: cfg.Supervisor.BatchLines(),
	}, logger)

	var ingestor hoster.Ingestor = archive.New(cfg.Archive.EntryLimit(), logger)
	if obs != nil {
		ingestor = observability.NewInstrumentedIngestor(ingestor, obs.Metrics, obs.TracerOrNil())
	}

	// Notifications: log always, webhook when configured, live consoles via the hub.
	hub := notification.NewHub(64)
	c.Hub = hub
	dispatcher := notification.NewDispatcher(logger, notification.NewLogSender(logger), hub)
	if cfg.Notification != nil && cfg.Notification.WebhookURL != "" {
		dispatcher.RegisterSender(notification.NewWebhookSender(
			cfg.Notification.WebhookURL,
			logger,
			notification.WithAllowPrivate(cfg.Notification.AllowPrivate),
		))
		logger.Debug("webhook notifications enabled")
	}

	var fw *watcher.Watcher
	if !cfg.Watcher.Disabled {
		opts := []watcher.Option{
			watcher.WithRecorder(hoster.NewRecorder(store)),
			watcher.WithMetrics(watcher.NewMetrics(obs.Registry())),
		}
		if obs != nil && obs.Anomaly != nil {
			opts = append(opts, watcher.WithDeletionObserver(obs.Anomaly))
		}
		fw = watcher.New(scanner, sessions, dispatcher, cfg.Watcher.PollInterval(), logger, opts...)
	}

	var gen *generator.Generator
	if len(providers) > 0 {
		gen = generator.New(llm.NewModelChain(providers, generateTimeout, logger), logger)
	}

	c.Service = hoster.New(hoster.Deps{
		Sessions:   sessions,
		Supervisor: sup,
		Workspace:  ws,
		Ingestor:   ingestor,
		Scanner:    scanner,
		Installer:  installer.New(cfg.Installer.PipPath(), cfg.Installer.Timeout(), logger),
		Watcher:    fw,
		Generator:  gen,
		Store:      store,
		Notifier:   dispatcher,
		Live:       hub,
		Metrics:    metrics,
	}, hoster.Config{
		MaxArchiveSize:    cfg.Archive.MaxSize(),
		InlineOutputChars: cfg.Supervisor.OutputChars(),
	}, logger)
	if obs != nil && obs.Health != nil {
		obs.Health.CountProcesses(c.Service.RunningCount)
	}

	return c, nil
}

// buildProviders returns one provider per configured model: OpenRouter
// models first, then Gemini.
func buildProviders(cfg *config.Config, logger *slog.Logger) []llm.Provider {
	var providers []llm.Provider
	if or := cfg.Providers.OpenRouter; or != nil && or.APIKey != "" {
		for _, model := range or.ModelList() {
			providers = append(providers, openai.NewClient(or.APIKey, model, logger, openai.WithBaseURL(or.URL())))
		}
	}
	if gm := cfg.Providers.Gemini; gm != nil && gm.APIKey != "" {
		for _, model := range gm.Models {
			var opts []gemini.Option
			if gm.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(gm.BaseURL))
			}
			providers = append(providers, gemini.NewClient(gm.APIKey, model, logger, opts...))
		}
	}
	return providers
}

// initStore creates the storage backend selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		db, err := pgstore.Open(pgstore.Config{
			DSN:          pg.DSN,
			MaxOpenConns: pg.MaxOpenConns,
			MaxIdleConns: pg.MaxIdleConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(db), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
