package domain

import (
	"fmt"
	"time"
)

// TimeRange carries an optional date window from the caller to the archive
// queries. Nil bounds mean "unbounded on that side"; a backfill over the
// whole archive passes the zero value.
type TimeRange struct {
	// From is the inclusive lower bound, or nil for no lower bound.
	From *time.Time
	// To is the exclusive upper bound, or nil for no upper bound.
	To *time.Time
}

// NewTimeRange builds a TimeRange from optional bounds and rejects an
// inverted window.
func NewTimeRange(from, to *time.Time) (TimeRange, error) {
	if from != nil && to != nil && to.Before(*from) {
		return TimeRange{}, fmt.Errorf("%w: range end must not be before range start", ErrValidation)
	}
	return TimeRange{From: from, To: to}, nil
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}
