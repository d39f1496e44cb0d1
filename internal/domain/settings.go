package domain

import (
	"fmt"
	"time"
)

// DetectionSettings holds every tunable threshold of the visit engine.
// The values live in a single database row edited through the admin side of
// the application; the engine re-reads them on a short TTL, so changes apply
// without a restart.
type DetectionSettings struct {
	// RequiredHits is the number of consecutive in-radius hits needed to
	// confirm a visit.
	RequiredHits int

	// MinRadiusM and MaxRadiusM clamp the accuracy-scaled detection radius.
	MinRadiusM float64
	MaxRadiusM float64

	// AccuracyMultiplier scales a ping's reported accuracy into a detection
	// radius before clamping.
	AccuracyMultiplier float64

	// AccuracyRejectM is the worst acceptable ping accuracy. Pings reported
	// less accurate than this are ignored entirely.
	AccuracyRejectM float64

	// MaxSearchRadiusM bounds the coarse nearby-place query. It is also the
	// distance beyond which a moved place no longer supports an old visit.
	MaxSearchRadiusM float64

	// HitWindow is the longest gap between two hits that keeps a streak
	// alive. A larger gap resets the streak to the newer hit.
	HitWindow time.Duration

	// CandidateStaleAfter is how long an untouched candidate survives before
	// the sweep discards it.
	CandidateStaleAfter time.Duration

	// VisitEndAfter is how long an open visit may go unseen before the sweep
	// closes it at its last confirmed sighting.
	VisitEndAfter time.Duration

	// NotificationCooldown suppresses repeat visit-started notifications for
	// the same (user, place). A negative value disables the cooldown.
	NotificationCooldown time.Duration

	// SuggestionRadiusMultiplier widens the detection radius during backfill
	// scanning; hits are bucketed into tiers of 1x, 2x, ... up to this
	// multiple of the effective radius.
	SuggestionRadiusMultiplier float64
}

// DefaultDetectionSettings returns the thresholds a fresh installation
// starts with. The seed migration inserts the same values.
func DefaultDetectionSettings() DetectionSettings {
	return DetectionSettings{
		RequiredHits:               2,
		MinRadiusM:                 50,
		MaxRadiusM:                 250,
		AccuracyMultiplier:         1.5,
		AccuracyRejectM:            200,
		MaxSearchRadiusM:           5000,
		HitWindow:                  10 * time.Minute,
		CandidateStaleAfter:        2 * time.Hour,
		VisitEndAfter:              45 * time.Minute,
		NotificationCooldown:       6 * time.Hour,
		SuggestionRadiusMultiplier: 3,
	}
}

// DetectionRadius converts a ping accuracy into the radius used to match the
// ping against places: accuracy scaled by the multiplier, clamped into
// [MinRadiusM, MaxRadiusM].
func (s DetectionSettings) DetectionRadius(accuracyM float64) float64 {
	r := accuracyM * s.AccuracyMultiplier
	if r < s.MinRadiusM {
		return s.MinRadiusM
	}
	if r > s.MaxRadiusM {
		return s.MaxRadiusM
	}
	return r
}

// RejectAccuracy reports whether a ping's accuracy is too poor to use.
func (s DetectionSettings) RejectAccuracy(accuracyM float64) bool {
	return accuracyM > s.AccuracyRejectM
}

// CooldownDisabled reports whether repeat-notification suppression is off.
func (s DetectionSettings) CooldownDisabled() bool {
	return s.NotificationCooldown < 0
}

// MaxTier is the number of distance tiers backfill classifies hits into,
// derived from the suggestion radius multiplier (minimum one tier).
func (s DetectionSettings) MaxTier() int {
	t := int(s.SuggestionRadiusMultiplier)
	if float64(t) < s.SuggestionRadiusMultiplier {
		t++
	}
	if t < 1 {
		t = 1
	}
	return t
}

// Validate rejects settings that would wedge the engine: zero hit counts,
// inverted radius bounds, or non-positive windows.
func (s DetectionSettings) Validate() error {
	if s.RequiredHits < 1 {
		return fmt.Errorf("%w: required_hits must be at least 1", ErrValidation)
	}
	if s.MinRadiusM <= 0 {
		return fmt.Errorf("%w: min_radius_m must be positive", ErrValidation)
	}
	if s.MaxRadiusM < s.MinRadiusM {
		return fmt.Errorf("%w: max_radius_m must not be below min_radius_m", ErrValidation)
	}
	if s.AccuracyMultiplier <= 0 {
		return fmt.Errorf("%w: accuracy_multiplier must be positive", ErrValidation)
	}
	if s.AccuracyRejectM <= 0 {
		return fmt.Errorf("%w: accuracy_reject_m must be positive", ErrValidation)
	}
	if s.MaxSearchRadiusM < s.MaxRadiusM {
		return fmt.Errorf("%w: max_search_radius_m must not be below max_radius_m", ErrValidation)
	}
	if s.HitWindow <= 0 {
		return fmt.Errorf("%w: hit_window must be positive", ErrValidation)
	}
	if s.CandidateStaleAfter <= 0 {
		return fmt.Errorf("%w: candidate_stale_after must be positive", ErrValidation)
	}
	if s.VisitEndAfter <= 0 {
		return fmt.Errorf("%w: visit_end_after must be positive", ErrValidation)
	}
	if s.SuggestionRadiusMultiplier < 1 {
		return fmt.Errorf("%w: suggestion_radius_multiplier must be at least 1", ErrValidation)
	}
	return nil
}
