package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightspeed-dms/cidx/application/handler"
	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/infrastructure/api"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/infrastructure/persistence"
	"github.com/lightspeed-dms/cidx/infrastructure/provider"
	"github.com/lightspeed-dms/cidx/internal/config"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
	"github.com/lightspeed-dms/cidx/internal/log"
)

// selfMonitorInterval is the cadence of the background index health
// sweep. Queue dedup keeps overlapping sweeps out.
const selfMonitorInterval = time.Hour

func serveCmd() *cobra.Command {
	var (
		addr     string
		envFile  string
		dataDir  string
		dbURL    string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server.

Configuration is loaded in the following order (later sources override earlier):
  1. Default values
  2. .env file (if --env-file specified or .env exists in current directory)
  3. Environment variables
  4. CLI flags

Environment variables (prefix CIDX_):
  DATA_DIR                     Data directory (default: ~/.cidx)
  DB_URL                       Database URL (default: sqlite:///{data_dir}/cidx.db)
  LOG_LEVEL                    Log level: DEBUG, INFO, WARN, ERROR (default: INFO)
  LOG_FORMAT                   Log format: pretty, json (default: pretty)
  MAX_CONCURRENT_JOBS          Background job worker pool size (default: 5)
  MAX_CONCURRENT_REFRESH       Refresh jobs queued per scheduler tick (default: 2)
  REFRESH_INTERVAL             Golden repo refresh cadence in seconds (0 disables)
  JOB_TIMEOUT                  Default job timeout in seconds (default: 1800)
  JOB_TIMEOUTS                 Per-kind overrides, "kind=seconds,kind=seconds"
  REPO_QUERY_TIMEOUT           Per-repository query timeout in seconds (default: 30)
  PAYLOAD_TOKEN_BUDGET         Token threshold for cache-handle spilling
  AUTH_TOKEN_SECRET            Secret used to sign session tokens (required)
  AUTH_SESSION_TTL             Session lifetime in minutes (default: 15)
  AUTH_BOOTSTRAP_ADMIN_PASSWORD  Initial admin password for first boot

  EMBEDDING_ENDPOINT_*         Embedding AI service configuration
    BASE_URL                   Base URL (e.g., https://api.openai.com/v1)
    MODEL                      Model identifier (e.g., text-embedding-3-small)
    API_KEY                    API key for authentication
    TIMEOUT                    Request timeout in seconds (default: 60)
    MAX_RETRIES                Retry attempts (default: 5)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, envFile, dataDir, dbURL, logLevel)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides HOST/PORT env vars)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to .env file (default: .env in current directory)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides DATA_DIR env var)")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "Database URL (overrides DB_URL env var)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL env var)")

	return cmd
}

func loadConfig(envFile, dataDir, dbURL, logLevel string) (config.AppConfig, error) {
	paths := []string{}
	if envFile != "" {
		paths = append(paths, envFile)
	}
	if err := config.LoadDotEnv(paths...); err != nil {
		return config.AppConfig{}, fmt.Errorf("load env file: %w", err)
	}
	env, err := config.LoadEnv()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load environment: %w", err)
	}
	if dataDir != "" {
		env.DataDir = dataDir
	}
	if dbURL != "" {
		env.DBURL = dbURL
	}
	if logLevel != "" {
		env.LogLevel = logLevel
	}
	return config.NewAppConfigFromEnv(env)
}

func runServe(addr, envFile, dataDir, dbURL, logLevel string) error {
	cfg, err := loadConfig(envFile, dataDir, dbURL, logLevel)
	if err != nil {
		return err
	}
	if cfg.TokenSecret() == "" {
		return fmt.Errorf("CIDX_AUTH_TOKEN_SECRET must be configured")
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	for _, dir := range []string{cfg.DataDir(), cfg.CloneDir(), cfg.ActivatedDir(), cfg.IndexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	logger := log.NewLogger(cfg)
	logger.SetDefault()
	slogger := logger.Slog()

	slogger.Info("starting cidx",
		slog.String("version", version),
		slog.String("data_dir", cfg.DataDir()),
		slog.String("addr", addr),
	)

	db, err := database.New(cfg.DBURL())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(persistence.Models()...); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	repoStore := persistence.NewRepositoryStore(&db)
	activatedStore := persistence.NewActivatedStore(&db)
	jobStore := persistence.NewJobStore(&db)
	userStore := persistence.NewUserStore(&db)
	groupStore := persistence.NewGroupStore(&db)
	auditStore := persistence.NewAuditStore(&db)

	gitAdapter := git.NewAdapter(slogger)
	embedder, err := provider.NewOpenAIEmbedder(cfg.Embedding(), slogger)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	indexes := service.NewIndexManager(cfg.IndexDir(), gitAdapter, slogger)
	defer indexes.CloseAll()
	cache, err := service.NewContentCache(0, embedder, 0)
	if err != nil {
		return err
	}
	locks, err := service.NewRepoLocks(filepath.Join(cfg.DataDir(), "locks"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	access := service.NewAccessService(userStore, groupStore, auditStore,
		[]byte(cfg.TokenSecret()), cfg.SessionTTL(), slogger)
	if err := access.Bootstrap(ctx, cfg.BootstrapAdminPassword()); err != nil {
		return fmt.Errorf("bootstrap users: %w", err)
	}

	registry := service.NewRegistry()
	queue := service.NewQueue(jobStore, registry, service.QueueConfig{
		MaxConcurrent: cfg.MaxConcurrentJobs(),
		Timeout:       func(kind job.Kind) time.Duration { return cfg.JobTimeout(string(kind)) },
		MaxTimeout:    cfg.MaxJobTimeout(),
		ResultTTL:     cfg.JobResultTTL(),
	}, slogger)

	repoSvc := service.NewRepositoryService(repoStore, activatedStore, queue,
		indexes, cfg.CloneDir(), cfg.ActivatedDir(), slogger)
	indexer := service.NewIndexer(gitAdapter, embedder, indexes, slogger)

	handler.RegisterAll(registry, handler.Deps{
		Repos:     repoStore,
		Activated: activatedStore,
		Git:       gitAdapter,
		Indexer:   indexer,
		Indexes:   indexes,
		Locks:     locks,
		Service:   repoSvc,
		Logger:    slogger,
	})

	if err := queue.RecoverOnBoot(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	queue.Start(ctx)
	defer queue.Stop()

	if err := repoSvc.EnsureMetaRepo(ctx); err != nil {
		return fmt.Errorf("ensure meta repository: %w", err)
	}
	if n, err := repoSvc.Reconcile(ctx); err != nil {
		slogger.Warn("reconcile failed", slog.String("error", err.Error()))
	} else if n > 0 {
		slogger.Info("reconcile queued repair jobs", slog.Int("count", n))
	}

	if interval := cfg.RefreshInterval(); interval > 0 {
		scheduler := service.NewRefreshScheduler(repoStore, repoSvc,
			interval, cfg.MaxConcurrentRefresh(), slogger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}
	go selfMonitorLoop(ctx, queue, slogger)

	engine := service.NewEngine(repoStore, activatedStore, access, indexes,
		embedder, embedder, cache, service.EngineConfig{
			RepoTimeout: cfg.RepoQueryTimeout(),
			TokenBudget: cfg.PayloadTokenBudget(),
		}, slogger)
	navigator := service.NewNavigator(repoStore, activatedStore, access, indexes, gitAdapter)
	status := service.NewStatusService(db.GORM(), repoStore, jobStore, queue, indexes, cache)

	apiServer := api.NewAPIServer(access, engine, navigator, repoSvc, queue, status, version, slogger)

	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.ListenAndServe(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slogger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return apiServer.Shutdown(shutdownCtx)
}

// selfMonitorLoop periodically queues an index health sweep.
func selfMonitorLoop(ctx context.Context, queue *service.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(selfMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j := job.New(job.KindSelfMonitor, "indexes", "system", nil)
			if _, err := queue.Submit(ctx, j); err != nil {
				kind := errs.KindOf(err)
				if kind != errs.KindConflict && kind != errs.KindMaintenance {
					logger.Warn("self monitor submit failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}
