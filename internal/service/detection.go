// Package service contains the business logic for the waylog visit engine.
// Services enforce the detection rules and orchestrate repo calls.
// No SQL lives here; services depend on repo interfaces, not
// implementations.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/metrics"
	"github.com/waylog/waylog/internal/repo"
)

// PlaceFinder is the slice of PlaceMatcher that DetectionService depends on.
type PlaceFinder interface {
	FindNearby(ctx context.Context, ping domain.Ping, settings domain.DetectionSettings) ([]domain.PlaceDistance, error)
}

// VisitNotifier receives confirmed visits for out-of-band delivery. Delivery
// happens after the confirming transaction has committed and must never fail
// the detection path, so the method returns nothing.
type VisitNotifier interface {
	VisitStarted(ctx context.Context, visit domain.Visit)
}

// DetectionService turns incoming location pings into visit state changes:
// refreshing open visits, advancing hit streaks, and confirming new visits
// once a streak is long enough.
type DetectionService struct {
	finder     PlaceFinder
	candidates repo.CandidateRepo
	visits     repo.VisitRepo
	settings   SettingsProvider
	notifier   VisitNotifier
}

// NewDetectionService constructs a DetectionService from its collaborators.
func NewDetectionService(finder PlaceFinder, candidates repo.CandidateRepo, visits repo.VisitRepo, settings SettingsProvider, notifier VisitNotifier) *DetectionService {
	return &DetectionService{
		finder:     finder,
		candidates: candidates,
		visits:     visits,
		settings:   settings,
		notifier:   notifier,
	}
}

// HandlePing runs one location ping through the detection state machine.
// Malformed pings and pings with unusable accuracy are dropped without
// error. Every place within the detection radius advances its own
// per-(user, place) track; a failure on one place does not stop the others,
// and the individual failures come back as one combined error.
func (s *DetectionService) HandlePing(ctx context.Context, ping domain.Ping) error {
	metrics.PingsHandled.Inc()
	if !ping.WellFormed() {
		metrics.PingsDiscarded.WithLabelValues("malformed").Inc()
		return nil
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return fmt.Errorf("service.DetectionService.HandlePing: %w", err)
	}
	if settings.RejectAccuracy(ping.AccuracyM) {
		metrics.PingsDiscarded.WithLabelValues("accuracy").Inc()
		return nil
	}

	matches, err := s.finder.FindNearby(ctx, ping, settings)
	if err != nil {
		return fmt.Errorf("service.DetectionService.HandlePing: %w", err)
	}

	var errs error
	for _, match := range matches {
		if err := s.recordHit(ctx, ping, match.Place, settings); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("service.DetectionService.HandlePing: %w", errs)
	}
	return nil
}

// recordHit advances the state machine for one (user, place) pair by one
// qualifying hit, in the fixed order: refresh an open visit if there is one,
// otherwise extend or restart the candidate streak, then promote the
// candidate once the streak reaches RequiredHits.
func (s *DetectionService) recordHit(ctx context.Context, ping domain.Ping, place domain.Place, settings domain.DetectionSettings) error {
	touched, err := s.visits.TouchOpen(ctx, ping.UserID, place.ID, ping.RecordedAt)
	if err != nil {
		return err
	}
	if touched {
		metrics.VisitsRefreshed.Inc()
		return nil
	}

	cand, err := s.candidates.RecordHit(ctx, ping.UserID, place.ID, ping.RecordedAt, settings.HitWindow)
	if err != nil {
		return err
	}
	if cand.Hits < settings.RequiredHits {
		return nil
	}

	visit := domain.Visit{
		UserID:     ping.UserID,
		PlaceID:    &place.ID,
		ArrivedAt:  cand.FirstHitAt,
		LastSeenAt: cand.LastHitAt,
		Source:     domain.SourceRealtime,
		Snapshot:   domain.SnapshotOf(place),
	}
	confirmed, created, err := s.candidates.Promote(ctx, cand, visit)
	if err != nil {
		return err
	}
	if !created {
		// Lost the promotion race; the winner's visit was refreshed instead.
		return nil
	}

	metrics.VisitsConfirmed.Inc()
	s.notifier.VisitStarted(ctx, confirmed)
	return nil
}

// EndVisit closes the user's open visit at the given place. The end time is
// clamped so it never precedes arrival. Any in-flight candidate streak for
// the pair is discarded first so a later ping starts a fresh streak.
// Returns domain.ErrNotFound when no open visit exists for the pair.
func (s *DetectionService) EndVisit(ctx context.Context, userID, placeID uuid.UUID, at time.Time) (domain.Visit, error) {
	if at.IsZero() {
		return domain.Visit{}, fmt.Errorf("%w: end time is required", domain.ErrValidation)
	}
	if err := s.candidates.Delete(ctx, userID, placeID); err != nil {
		return domain.Visit{}, fmt.Errorf("service.DetectionService.EndVisit: %w", err)
	}
	v, err := s.visits.End(ctx, userID, placeID, at)
	if err != nil {
		return domain.Visit{}, fmt.Errorf("service.DetectionService.EndVisit: %w", err)
	}
	return v, nil
}
