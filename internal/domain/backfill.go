package domain

import (
	"time"

	"github.com/google/uuid"
)

// StaleReason says why an existing visit no longer holds up under a re-scan.
type StaleReason string

const (
	// StalePlaceDeleted means the backing place row is gone.
	StalePlaceDeleted StaleReason = "place_deleted"
	// StalePlaceMoved means the place now sits farther from the visit's
	// recorded location than the maximum search radius.
	StalePlaceMoved StaleReason = "place_moved"
	// StaleNoPings means the archive no longer holds supporting pings for
	// the visit's window.
	StaleNoPings StaleReason = "no_supporting_pings"
)

// ProposedVisit is a visit the backfill scan believes happened but which has
// no corresponding record yet. ArrivedAt/LastSeenAt span the supporting hits;
// proposals are always closed (historical) visits.
type ProposedVisit struct {
	PlaceID       uuid.UUID `json:"place_id"`
	PlaceName     string    `json:"place_name"`
	ArrivedAt     time.Time `json:"arrived_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	HitCount      int       `json:"hit_count"`
	MeanDistanceM float64   `json:"mean_distance_m"`
	Tier          int       `json:"tier"`
	Confidence    float64   `json:"confidence"`
}

// StaleVisit is an existing visit whose supporting evidence disappeared.
type StaleVisit struct {
	VisitID   uuid.UUID   `json:"visit_id"`
	PlaceID   *uuid.UUID  `json:"place_id,omitempty"`
	PlaceName string      `json:"place_name"`
	ArrivedAt time.Time   `json:"arrived_at"`
	Reason    StaleReason `json:"reason"`
}

// SupportedVisit is an existing visit the re-scan still finds evidence for.
type SupportedVisit struct {
	VisitID   uuid.UUID `json:"visit_id"`
	PlaceID   uuid.UUID `json:"place_id"`
	PlaceName string    `json:"place_name"`
	ArrivedAt time.Time `json:"arrived_at"`
	HitCount  int       `json:"hit_count"`
}

// PlaceFailure records one place whose archive scan kept failing after
// retries. The rest of the report is still valid; callers decide whether a
// partial report is acceptable.
type PlaceFailure struct {
	PlaceID   uuid.UUID `json:"place_id"`
	PlaceName string    `json:"place_name"`
	Error     string    `json:"error"`
}

// BackfillReport is the outcome of one Analyze run over a (user, trip) pair.
type BackfillReport struct {
	UserID   uuid.UUID        `json:"user_id"`
	TripID   uuid.UUID        `json:"trip_id"`
	New      []ProposedVisit  `json:"new_visits"`
	Stale    []StaleVisit     `json:"stale_visits"`
	Existing []SupportedVisit `json:"existing_visits"`
	Failed   []PlaceFailure   `json:"failed_places,omitempty"`
}

// Partial reports whether any place chunk failed during the scan.
func (r BackfillReport) Partial() bool {
	return len(r.Failed) > 0
}

// BackfillSelection is the subset of an Analyze report the caller wants
// applied: proposals to create and stale visit IDs to delete. UserConfirmed
// controls the source recorded on created visits.
type BackfillSelection struct {
	Create        []ProposedVisit `json:"create"`
	Delete        []uuid.UUID     `json:"delete"`
	UserConfirmed bool            `json:"user_confirmed"`
}

// BackfillApplyResult counts what one Apply call actually changed.
// SkippedExisting counts proposals that already had an equivalent visit, so
// re-applying an identical selection yields Created=0 and a matching skip
// count.
type BackfillApplyResult struct {
	Created         int `json:"created"`
	SkippedExisting int `json:"skipped_existing"`
	Deleted         int `json:"deleted"`
}
