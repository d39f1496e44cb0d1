// Package main is the entry point for the waylog visit daemon.
// Its sole responsibility is wiring dependencies together and starting the
// background loops. No business logic belongs here.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/waylog/waylog/internal/config"
	"github.com/waylog/waylog/internal/feed"
	"github.com/waylog/waylog/internal/notify"
	"github.com/waylog/waylog/internal/ops"
	"github.com/waylog/waylog/internal/repo"
	"github.com/waylog/waylog/internal/service"
	"github.com/waylog/waylog/migrations"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// --- Config -----------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		// Use plain stderr before the logger is configured.
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// --- Logger -----------------------------------------------------------
	// log/slog with a JSON handler writes machine-readable output suitable
	// for log aggregators.
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// --- Database ---------------------------------------------------------
	// pgxpool manages a pool of Postgres connections.
	// New() does not open connections immediately — the first query does.
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Verify the DB is reachable before starting any loop.
	if err := pool.Ping(context.Background()); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connection established")

	// --- Migrations -------------------------------------------------------
	if err := migrateUp(cfg.DatabaseURL); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// --- Redis (optional) -------------------------------------------------
	// Without Redis the daemon still detects and sweeps; events go to the
	// log and no ping feed is consumed.
	var rdb *redis.Client
	var broadcaster service.Broadcaster = notify.NewLogBroadcaster(logger)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		broadcaster = notify.NewRedisBroadcaster(rdb, cfg.RedisEventPrefix)
		slog.Info("redis connection established", "addr", cfg.RedisAddr)
	}

	// --- Wiring -----------------------------------------------------------
	visits := repo.NewVisitRepo(pool)
	candidates := repo.NewCandidateRepo(pool)
	places := repo.NewPlaceRepo(pool)

	settings := service.NewSettingsCache(repo.NewSettingsRepo(pool), cfg.SettingsTTL)
	matcher := service.NewPlaceMatcher(places)
	notifier := service.NewNotifier(broadcaster, settings, logger)
	detector := service.NewDetectionService(matcher, candidates, visits, settings, notifier)
	cleaner := service.NewCleanupService(visits, candidates, settings)

	// --- Background loops -------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSweepLoop(ctx, cleaner, cfg.SweepInterval, logger)

	if rdb != nil {
		subscriber := feed.NewRedisSubscriber(rdb, cfg.RedisPingChannel, detector, logger)
		go func() {
			if err := subscriber.Run(ctx); err != nil {
				slog.Error("ping feed stopped", "error", err)
			}
		}()
	}

	// --- Ops listener -----------------------------------------------------
	// Explicit timeouts prevent slowloris and resource exhaustion attacks.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      ops.NewRouter(logger, pool),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ops listener starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: wait for OS signal, then give in-flight requests
	// up to 15 seconds to complete before forcefully closing.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

// runSweepLoop drives the lifecycle sweep until ctx is cancelled. The first
// sweep runs one interval after startup. Sweep failures are logged, never
// fatal: whatever a failed run missed, the next tick picks up.
func runSweepLoop(ctx context.Context, cleaner *service.CleanupService, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := cleaner.Sweep(ctx, time.Now())
			if err != nil {
				log.Error("sweep failed", "error", err,
					"visits_closed", result.VisitsClosed,
					"candidates_discarded", result.CandidatesDiscarded)
				continue
			}
			if result.VisitsClosed > 0 || result.CandidatesDiscarded > 0 {
				log.Info("sweep completed",
					"visits_closed", result.VisitsClosed,
					"candidates_discarded", result.CandidatesDiscarded)
			}
		}
	}
}

// migrateUp applies any pending migrations from the embedded SQL files.
// goose needs database/sql, not a pgx pool, so it gets its own short-lived
// connection.
func migrateUp(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	results, err := provider.Up(context.Background())
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("migration applied", "version", r.Source.Version, "path", r.Source.Path)
	}
	return nil
}
