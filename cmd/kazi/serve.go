package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/action"
	"github.com/jkaninda/kazi/internal/automation"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/notification"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/platform"
	"github.com/jkaninda/kazi/internal/rules"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation engine and HTTP gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kazi --config path` and `kazi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// pinger is implemented by both store backends; the readiness check uses it.
type pinger interface {
	Ping(ctx context.Context) error
}

// runServe starts the engine: storage, schedulers, and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("KAZI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting kazi", slog.String("config", serveConfigPath))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	if obs != nil {
		if p, ok := store.(pinger); ok {
			obs.Health.AddCheck("db", p.Ping)
		}
	}

	// Platform client, rule document, action executor.
	platformClient := platform.NewClient(cfg.Platform, logger)
	ruleStore := rules.NewStore(cfg.Rules.Path, logger)
	executor := action.NewExecutor(platformClient, platformClient, cfg.Actions, logger)

	// Automation service.
	svc := automation.NewService(
		store.Idempotency(),
		store.Snapshots(),
		ruleStore,
		platformClient,
		executor,
		store.DelayedTasks(),
		store.RunLog(),
		cfg.Engine,
		logger,
	)
	notifier := notification.NewWebhook(cfg.Notification, logger)
	if notifier != nil {
		svc.WithNotifier(notifier)
		logger.Debug("completion notifications enabled")
	}
	if obs != nil && obs.Registry() != nil {
		svc.WithMetrics(automation.NewMetrics(obs.Registry()))
	}

	// Schedulers share one metrics set.
	var schedMetrics *scheduler.Metrics
	if obs != nil && obs.Registry() != nil {
		schedMetrics = scheduler.NewMetrics(obs.Registry())
	}

	delaySched := scheduler.NewDelayScheduler(store.DelayedTasks(), svc, schedMetrics, logger, cfg.DelayQueue)
	cronSched := scheduler.NewCronScheduler(store.CronJobs(), svc, schedMetrics, logger, cfg.CronQueue)
	if notifier != nil {
		delaySched.WithNotifier(notifier)
		cronSched.WithNotifier(notifier)
	}

	cancelDelay := delaySched.Start(ctx)
	defer cancelDelay()
	cancelCron := cronSched.Start(ctx)
	defer cancelCron()
	logger.Debug("schedulers started",
		slog.String("delay_poll", cfg.DelayQueue.PollInterval().String()),
		slog.String("cron_poll", cfg.CronQueue.PollInterval().String()),
	)

	// HTTP gateway.
	gw := buildGateway(cfg, obs, svc, platformClient, store, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()
	logger.Info("gateway listening", slog.String("addr", cfg.Gateway.Addr()))

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}

	return nil
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	policy := storage.IdempotencyPolicy{
		EventTTL:    cfg.Engine.EventTTL(),
		BusinessTTL: cfg.Engine.BusinessTTL(),
		MaxKeys:     cfg.Engine.KeyCap(),
	}
	var legacy storage.LegacyFiles
	if cfg.Legacy != nil {
		legacy = storage.LegacyFiles{
			DelayTasksFile: cfg.Legacy.DelayTasksFile,
			CronJobsFile:   cfg.Legacy.CronJobsFile,
			SnapshotsFile:  cfg.Legacy.SnapshotsFile,
		}
	}

	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
			Idempotency:     policy,
			Legacy:          legacy,
		}, logger)
	default:
		path := cfg.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        path,
			JournalMode: journalMode,
			Idempotency: policy,
			Legacy:      legacy,
		}, logger)
	}
}

// buildGateway assembles the HTTP gateway from config and shared components.
func buildGateway(cfg *config.Config, obs *observability.Observability, svc httpapi.EventService, platformClient *platform.Client, store storage.Store, logger *slog.Logger) *httpapi.Gateway {
	// Build API key → caller name mapping from config + env override.
	apiKeys := cfg.Gateway.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("KAZI_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Gateway.Addr(),
		EnableDocs:    cfg.Gateway.EnableDocs,
		APIKeys:       apiKeys,
		SigningSecret: cfg.Gateway.SigningSecret,
		MaxSkew:       cfg.Gateway.SignatureMaxSkew(),
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		gwCfg.MetricsRegistry = obs.Registry()
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, svc, logger).
		WithDelayTasks(store.DelayedTasks()).
		WithCronJobs(store.CronJobs(), cfg.CronQueue).
		WithRunLog(store.RunLog()).
		WithSchemaRefresher(platformClient)
	if cfg.Gateway.EnableDocs {
		gw.WithOpenAPIDocs()
	}
	return gw
}
