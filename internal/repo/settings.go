package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/waylog/waylog/internal/domain"
)

// SettingsRepo reads the engine thresholds from their single-row table.
// The admin side of the application owns writes; the engine only reads,
// through the TTL cache in the service layer.
type SettingsRepo interface {
	// Get returns the current detection settings.
	// Returns domain.ErrNotFound when the seed row is missing.
	Get(ctx context.Context) (domain.DetectionSettings, error)
}

// pgSettingsRepo is the Postgres implementation of SettingsRepo.
type pgSettingsRepo struct {
	db db
}

// NewSettingsRepo constructs a SettingsRepo backed by the provided db
// connection.
func NewSettingsRepo(db db) SettingsRepo {
	return &pgSettingsRepo{db: db}
}

func (r *pgSettingsRepo) Get(ctx context.Context) (domain.DetectionSettings, error) {
	// Durations are stored as integer seconds; notification_cooldown_seconds
	// may be negative, which disables the cooldown.
	const sql = `
		SELECT required_hits, min_radius_m, max_radius_m,
		       accuracy_multiplier, accuracy_reject_m, max_search_radius_m,
		       hit_window_seconds, candidate_stale_seconds,
		       visit_end_after_seconds, notification_cooldown_seconds,
		       suggestion_radius_multiplier
		FROM detection_settings
		WHERE id = 1`

	var (
		s                  domain.DetectionSettings
		hitWindowSec       int64
		candidateStaleSec  int64
		visitEndAfterSec   int64
		notifyCooldownSec  int64
	)

	err := r.db.QueryRow(ctx, sql).Scan(
		&s.RequiredHits, &s.MinRadiusM, &s.MaxRadiusM,
		&s.AccuracyMultiplier, &s.AccuracyRejectM, &s.MaxSearchRadiusM,
		&hitWindowSec, &candidateStaleSec,
		&visitEndAfterSec, &notifyCooldownSec,
		&s.SuggestionRadiusMultiplier,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DetectionSettings{}, fmt.Errorf("repo.SettingsRepo.Get: %w", domain.ErrNotFound)
		}
		return domain.DetectionSettings{}, fmt.Errorf("repo.SettingsRepo.Get: %w", err)
	}

	s.HitWindow = time.Duration(hitWindowSec) * time.Second
	s.CandidateStaleAfter = time.Duration(candidateStaleSec) * time.Second
	s.VisitEndAfter = time.Duration(visitEndAfterSec) * time.Second
	s.NotificationCooldown = time.Duration(notifyCooldownSec) * time.Second
	return s, nil
}
