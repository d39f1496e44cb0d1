package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Ping is a single location report for a user. Live pings are consumed and
// discarded by the detection path; the historical archive read by backfill
// is owned by the timeline side of the application.
type Ping struct {
	UserID     uuid.UUID
	Latitude   float64
	Longitude  float64
	AccuracyM  float64
	RecordedAt time.Time
}

// WellFormed reports whether the ping carries finite, in-range coordinates
// and a non-negative accuracy. Malformed pings are filtered upstream, but the
// engine re-checks because a bad coordinate silently poisons distance math.
func (p Ping) WellFormed() bool {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) {
		return false
	}
	if math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return false
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	if math.IsNaN(p.AccuracyM) || p.AccuracyM < 0 {
		return false
	}
	return !p.RecordedAt.IsZero()
}
