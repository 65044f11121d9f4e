package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"

	"github.com/mxi-app/mxi-core/internal/api"
	"github.com/mxi-app/mxi-core/internal/database"
	"github.com/mxi-app/mxi-core/internal/gateway"
	"github.com/mxi-app/mxi-core/internal/health"
	"github.com/mxi-app/mxi-core/internal/i18n"
	"github.com/mxi-app/mxi-core/internal/idempotency"
	"github.com/mxi-app/mxi-core/internal/jobs"
	"github.com/mxi-app/mxi-core/internal/jobs/handlers"
	"github.com/mxi-app/mxi-core/internal/lifecycle"
	"github.com/mxi-app/mxi-core/internal/notify"
	"github.com/mxi-app/mxi-core/internal/push"
	"github.com/mxi-app/mxi-core/internal/ratelimit"
	"github.com/mxi-app/mxi-core/internal/refresh"
	"github.com/mxi-app/mxi-core/internal/registry"
	"github.com/mxi-app/mxi-core/internal/session"
	"github.com/mxi-app/mxi-core/internal/snapcache"
	"github.com/mxi-app/mxi-core/pkg/config"
	"github.com/mxi-app/mxi-core/pkg/graceful"
	"github.com/mxi-app/mxi-core/pkg/logger"
	"github.com/mxi-app/mxi-core/pkg/metrics"
	appredis "github.com/mxi-app/mxi-core/pkg/redis"

	_ "github.com/lib/pq"
)

// Shutdown stages. Sessions drain before the jobs machinery stops, and both
// before the connections underneath them close.
const (
	stageSessions = iota
	stageJobs
	stageConnections
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mxid: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, v, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		SentryDSN:  cfg.Log.SentryDSN,
	})
	slog.SetDefault(log)

	config.WatchLogLevel(v, func(level string) {
		log.Info("log level change requires restart", slog.String("level", level))
	})

	log.Info("starting mxid",
		slog.String("env", cfg.AppEnv),
		slog.String("http_port", cfg.HTTPPort),
		slog.Duration("poll_interval", cfg.Sync.PollInterval),
	)

	refresh.RegisterTransitionRecorder(metrics.RecordCoordinatorTransition)

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	probe := database.NewProbe(db, log)
	if err := probe.Verify(ctx); err != nil {
		return err
	}

	rdb, err := appredis.New(ctx, appredis.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		PoolTimeout:     cfg.Redis.PoolTimeout,
		IdleTimeout:     cfg.Redis.IdleTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	if err != nil {
		return err
	}

	translations, err := i18n.Load("es")
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}

	gw := gateway.NewPostgres(db, log)
	irdb := appredis.NewMetricsClient(rdb)
	cache := snapcache.New(irdb, cfg.Sync.SnapshotCacheTTL)
	limiter := ratelimit.NewMemoryLimiter(log)
	rules := ratelimit.NewRules(cfg.Limits)
	idem := idempotency.NewManager(idempotency.NewRedisStore(rdb.Client, log), log)
	sessions := registry.New()

	var notifier session.Notifier
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramNotifier(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChat,
			translations.Translator("es"),
			log,
		)
		if err != nil {
			log.Warn("telegram notifier disabled", slog.Any("error", err))
		} else {
			notifier = tg
		}
	}

	sessionCfg := session.Config{
		RefreshTimeout: cfg.Sync.RefreshTimeout,
		EstimatorTick:  cfg.Sync.EstimatorTick,
		AccrualPercent: cfg.Sync.AccrualPercent,
		AccrualPeriod:  cfg.Sync.AccrualPeriod,
	}

	openSession := func(ctx context.Context, principalID string) (*session.Store, error) {
		store, err := session.NewStore(principalID, sessionCfg, session.Deps{
			Gateway:     gw,
			Listener:    push.NewListener(irdb, log),
			Cache:       cache,
			Limiter:     limiter,
			Rules:       rules,
			Idempotency: idem,
			Notifier:    notifier,
			Log:         log,

			SentryEnabled: cfg.Log.SentryDSN != "",
		})
		if err != nil {
			return nil, err
		}
		if err := store.Start(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	// Background plumbing: limiter cleanup and session gauges.
	go limiter.Run(ctx, time.Minute, 10*time.Minute)
	go metrics.NewSessionCollector(sessions).Run(ctx)

	// Poll fallback: asynq schedules a session:poll task on the configured
	// cadence; the worker fans it out across live sessions.
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queue := jobs.NewManager(redisOpt, log)

	scheduler := jobs.NewScheduler(redisOpt, cfg.Sync.PollInterval, log)
	if err := scheduler.RegisterTasks(); err != nil {
		return fmt.Errorf("register scheduled tasks: %w", err)
	}
	scheduler.Run()

	worker := jobs.NewWorker(redisOpt, map[string]int{
		jobs.QueueCritical: 6,
		jobs.QueueDefault:  3,
		jobs.QueueLow:      1,
	}, log)
	worker.RegisterHandler(jobs.TaskTypeSessionPoll, handlers.NewSessionPollHandler(sessions, log))
	go func() {
		if err := worker.Run(); err != nil {
			log.Error("jobs worker stopped", slog.Any("error", err))
		}
	}()

	checker := health.NewChecker(log)
	checker.AddCheck("database", health.NewDBChecker(db))
	checker.AddCheck("redis", health.NewRedisChecker(rdb.Client))
	checker.AddCheck("push", health.NewListenerChecker(sessions))

	probes := lifecycle.NewProbes(log)
	probes.AddReadiness("database", db.PingContext)
	probes.AddReadiness("redis", irdb.HealthCheck)

	apiServer := api.NewServer(sessions, openSession, checker, probes, queue, log)
	httpServer := graceful.NewServer(log, &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}, 10*time.Second)

	shutdown := lifecycle.NewShutdown(log)
	shutdown.Register(stageSessions, "sessions", func(ctx context.Context) error {
		for _, store := range sessions.All() {
			store.Logout(ctx)
			sessions.Remove(store.PrincipalID())
		}
		return nil
	})
	shutdown.Register(stageJobs, "scheduler", func(context.Context) error {
		scheduler.Shutdown()
		return nil
	})
	shutdown.Register(stageJobs, "worker", func(context.Context) error {
		worker.Shutdown()
		return nil
	})
	shutdown.Register(stageJobs, "queue", func(context.Context) error {
		return queue.Close()
	})
	shutdown.Register(stageConnections, "redis", func(context.Context) error {
		return rdb.Close()
	})
	shutdown.Register(stageConnections, "database", func(context.Context) error {
		return db.Close()
	})
	if cfg.Log.SentryDSN != "" {
		shutdown.Register(stageConnections, "sentry", func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}

	serveErr := httpServer.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := shutdown.Execute(shutdownCtx); err != nil {
		log.Error("shutdown finished with errors", slog.Any("error", err))
	}

	log.Info("mxid stopped")
	return serveErr
}
