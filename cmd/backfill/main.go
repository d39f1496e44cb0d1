// Package main implements the waylog backfill CLI. It scans a user's ping
// archive against one trip's places, prints the resulting report as JSON on
// stdout and, with -apply, writes the proposed visits back to the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/repo"
	"github.com/waylog/waylog/internal/service"
)

var (
	userFlag    = flag.String("user", "", "User ID to analyze (required)")
	tripFlag    = flag.String("trip", "", "Trip ID to analyze (required)")
	fromFlag    = flag.String("from", "", "Start of the ping window, RFC 3339 (default: unbounded)")
	toFlag      = flag.String("to", "", "End of the ping window, exclusive, RFC 3339 (default: unbounded)")
	applyFlag   = flag.Bool("apply", false, "Create the proposed visits and delete stale ones")
	confirmFlag = flag.Bool("confirm", false, "With -apply, record created visits as user-confirmed")
	keepStale   = flag.Bool("keep-stale", false, "With -apply, keep stale visits instead of deleting them")
	timeoutFlag = flag.Duration("timeout", 5*time.Minute, "Overall run timeout")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Logs go to stderr so stdout carries nothing but the JSON report.
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *userFlag == "" || *tripFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -user <uuid> -trip <uuid> [flags]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	userID, err := uuid.Parse(*userFlag)
	if err != nil {
		logger.Error("invalid -user", "error", err)
		os.Exit(2)
	}
	tripID, err := uuid.Parse(*tripFlag)
	if err != nil {
		logger.Error("invalid -trip", "error", err)
		os.Exit(2)
	}

	from, err := parseTimeBound("from", *fromFlag)
	if err != nil {
		logger.Error("invalid time bound", "error", err)
		os.Exit(2)
	}
	to, err := parseTimeBound("to", *toFlag)
	if err != nil {
		logger.Error("invalid time bound", "error", err)
		os.Exit(2)
	}
	tr, err := domain.NewTimeRange(from, to)
	if err != nil {
		logger.Error("invalid time range", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	visits := repo.NewVisitRepo(pool)
	places := repo.NewPlaceRepo(pool)
	pings := repo.NewPingRepo(pool)

	// A one-shot run reads the settings row once; no cache needed.
	current, err := repo.NewSettingsRepo(pool).Get(ctx)
	if err != nil {
		logger.Error("failed to load detection settings", "error", err)
		os.Exit(1)
	}
	if err := current.Validate(); err != nil {
		logger.Error("detection settings are invalid", "error", err)
		os.Exit(1)
	}

	backfill := service.NewBackfillService(places, pings, visits, service.StaticSettings(current))

	report, err := backfill.Analyze(ctx, userID, tripID, tr)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to encode report", "error", err)
		os.Exit(1)
	}

	if report.Partial() {
		logger.Warn("some places could not be scanned; their visits were left untouched",
			"failed_places", len(report.Failed))
	}

	if !*applyFlag {
		return
	}

	sel := domain.BackfillSelection{
		Create:        report.New,
		UserConfirmed: *confirmFlag,
	}
	if !*keepStale {
		for _, s := range report.Stale {
			sel.Delete = append(sel.Delete, s.VisitID)
		}
	}
	if len(sel.Create) == 0 && len(sel.Delete) == 0 {
		logger.Info("nothing to apply")
		return
	}

	result, err := backfill.Apply(ctx, userID, tripID, sel)
	if err != nil {
		logger.Error("apply failed", "error", err)
		os.Exit(1)
	}
	logger.Info("backfill applied",
		"created", result.Created,
		"skipped_existing", result.SkippedExisting,
		"deleted", result.Deleted)
}

// parseTimeBound parses an optional RFC 3339 flag value, mapping "" to nil.
func parseTimeBound(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return &t, nil
}
