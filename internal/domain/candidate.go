package domain

import (
	"time"

	"github.com/google/uuid"
)

// VisitCandidate tracks a run of qualifying hits for one (user, place) pair
// before the visit is confirmed. At most one candidate exists per pair; the
// row is keyed on (user_id, place_id) in the database. Candidates are
// ephemeral: confirmation and staleness both remove them.
type VisitCandidate struct {
	UserID     uuid.UUID
	PlaceID    uuid.UUID
	FirstHitAt time.Time
	LastHitAt  time.Time
	Hits       int
}

// Stale reports whether the candidate's streak has gone quiet for longer
// than the configured window at time now.
func (c VisitCandidate) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastHitAt) > window
}
