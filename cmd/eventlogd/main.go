package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/LanternOps/breeze-sub017/common/logging"
	"github.com/LanternOps/breeze-sub017/internal/audit"
	"github.com/LanternOps/breeze-sub017/internal/config"
	"github.com/LanternOps/breeze-sub017/internal/forwarding"
	"github.com/LanternOps/breeze-sub017/internal/handlers"
	"github.com/LanternOps/breeze-sub017/internal/ratelimit"
	"github.com/LanternOps/breeze-sub017/internal/repository"
	"github.com/LanternOps/breeze-sub017/internal/server"
	"github.com/LanternOps/breeze-sub017/internal/service"
	"github.com/LanternOps/breeze-sub017/internal/settings"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	log := slog.Default().With(logging.Service("eventlogd"))

	if err := run(cfg, log); err != nil {
		log.Error("service exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run database migrations
	log.Info("running database migrations")
	m, err := migrate.New("file://"+cfg.Database.MigrationsDir, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer repo.Close()

	var limiter ratelimit.RateLimiter
	if cfg.Redis.Enabled {
		limiter, err = ratelimit.NewRedisRateLimiter(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	} else {
		log.Warn("rate limiting disabled by config")
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	defer limiter.Close()

	queueCfg := forwarding.QueueConfig{
		MaxBacklog:         cfg.Forwarding.MaxBacklog,
		MaxAttempts:        cfg.Forwarding.MaxAttempts,
		BaseRetryDelay:     cfg.Forwarding.BaseRetryDelay,
		LeaseTimeout:       cfg.Forwarding.LeaseTimeout,
		DeadLetterCapacity: cfg.Forwarding.DeadLetterCapacity,
		CompletedRetention: forwarding.DefaultQueueConfig().CompletedRetention,
	}

	var queue forwarding.Queue
	switch cfg.Forwarding.QueueBackend {
	case "jetstream":
		queue, err = forwarding.NewJetStreamQueue(ctx, cfg.Forwarding.NATSURL, queueCfg)
		if err != nil {
			return fmt.Errorf("connect to jetstream: %w", err)
		}
	default:
		queue = forwarding.NewMemoryQueue(queueCfg)
	}

	clientCache := forwarding.NewClientCache(cfg.Forwarding.ClientCacheTTL)
	indexer := forwarding.NewIndexer(repo, clientCache)

	worker := forwarding.NewWorker(queue, indexer, forwarding.WorkerConfig{
		Concurrency:    cfg.Forwarding.WorkerConcurrency,
		AttemptTimeout: cfg.Forwarding.AttemptTimeout,
	}, log)
	worker.Start(ctx)

	auditKey := cfg.Audit.SigningKey
	if auditKey == "" {
		log.Warn("audit signing key not set, records signed with ephemeral key")
		auditKey = audit.EphemeralKey()
	}
	auditor := audit.NewWriter(auditKey, log)

	gateway := service.NewGateway(
		repo,
		settings.NewResolver(repo, cfg.Settings.CacheTTL),
		limiter,
		queue,
		auditor,
		log,
	)

	handler := handlers.NewHandler(gateway, log)
	router := server.NewRouter(handler, func() error {
		return repo.Ping(ctx)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("eventlogd listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	// Stop admitting requests first, then drain the pipeline behind
	// them: worker before queue so in-flight leases settle, cache last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", logging.Error(err))
	}

	worker.Stop()
	queue.Close()
	clientCache.Close()

	log.Info("stopped")
	return nil
}
