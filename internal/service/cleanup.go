package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/waylog/waylog/internal/metrics"
	"github.com/waylog/waylog/internal/repo"
)

// CleanupService runs the periodic lifecycle sweep: ending visits that have
// gone quiet and discarding candidate streaks that never completed. The
// sweep itself is a single pure operation; the caller owns the schedule.
type CleanupService struct {
	visits     repo.VisitRepo
	candidates repo.CandidateRepo
	settings   SettingsProvider
}

// NewCleanupService constructs a CleanupService from its collaborators.
func NewCleanupService(visits repo.VisitRepo, candidates repo.CandidateRepo, settings SettingsProvider) *CleanupService {
	return &CleanupService{visits: visits, candidates: candidates, settings: settings}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	VisitsClosed        int64
	CandidatesDiscarded int64
}

// Sweep closes every open visit not seen within VisitEndAfter of now,
// setting ended_at to the visit's own last sighting, and deletes every
// candidate whose streak has been quiet longer than CandidateStaleAfter.
// Both halves run even if one fails; the failures come back combined. A
// sweep error is retryable, since the next scheduled run covers whatever
// this one missed.
func (s *CleanupService) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("service.CleanupService.Sweep: %w", err)
	}

	var result SweepResult
	var errs error

	closed, err := s.visits.CloseStale(ctx, now, settings.VisitEndAfter)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		result.VisitsClosed = closed
		metrics.VisitsClosed.Add(float64(closed))
	}

	discarded, err := s.candidates.DeleteStale(ctx, now, settings.CandidateStaleAfter)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		result.CandidatesDiscarded = discarded
		metrics.CandidatesDiscarded.Add(float64(discarded))
	}

	metrics.SweepsRun.Inc()
	if errs != nil {
		return result, fmt.Errorf("service.CleanupService.Sweep: %w", errs)
	}
	return result, nil
}
