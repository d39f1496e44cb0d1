// Package domain contains the core data types for the waylog visit engine.
// This package has zero external dependencies beyond uuid and is imported by
// every other internal package (repo, service, notify).
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VisitSource identifies how a visit record came into existence.
// It is a closed set: every value the engine writes is one of the constants
// below, and repo scanning rejects anything else. Keeping the set closed lets
// backfill Apply and reporting switch exhaustively.
type VisitSource string

const (
	// SourceRealtime marks visits confirmed by the live hit-streak tracker.
	SourceRealtime VisitSource = "realtime"
	// SourceBackfill marks visits created by a backfill Apply without
	// explicit per-visit user review.
	SourceBackfill VisitSource = "backfill"
	// SourceBackfillConfirmed marks backfill visits the user individually
	// reviewed and accepted.
	SourceBackfillConfirmed VisitSource = "backfill-user-confirmed"
	// SourceManual marks visits entered or closed by hand.
	SourceManual VisitSource = "manual"
)

// Valid reports whether s is one of the known source constants.
func (s VisitSource) Valid() bool {
	switch s {
	case SourceRealtime, SourceBackfill, SourceBackfillConfirmed, SourceManual:
		return true
	}
	return false
}

// ParseVisitSource converts a stored string into a VisitSource.
// Returns ErrValidation for anything outside the closed set.
func ParseVisitSource(s string) (VisitSource, error) {
	src := VisitSource(s)
	if !src.Valid() {
		return "", fmt.Errorf("%w: unknown visit source %q", ErrValidation, s)
	}
	return src, nil
}

// PlaceSnapshot is the set of place and trip attributes copied onto a visit
// at confirmation time. A visit keeps its snapshot even if the place or trip
// is later renamed, moved, or deleted.
type PlaceSnapshot struct {
	TripID      uuid.UUID
	TripName    string
	RegionName  string
	PlaceName   string
	PlaceLat    float64
	PlaceLon    float64
	IconName    string
	MarkerColor string
	NotesHTML   string
}

// SnapshotOf captures the snapshot fields from a place read model.
func SnapshotOf(p Place) PlaceSnapshot {
	return PlaceSnapshot{
		TripID:      p.TripID,
		TripName:    p.TripName,
		RegionName:  p.RegionName,
		PlaceName:   p.Name,
		PlaceLat:    p.Latitude,
		PlaceLon:    p.Longitude,
		IconName:    p.IconName,
		MarkerColor: p.MarkerColor,
		NotesHTML:   p.NotesHTML,
	}
}

// Visit is a durable record that the user was at a place over a time window.
// EndedAt is nil while the visit is still open. PlaceID is nil once the
// backing place has been deleted; the snapshot keeps the visit meaningful.
type Visit struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	PlaceID    *uuid.UUID
	ArrivedAt  time.Time
	LastSeenAt time.Time
	EndedAt    *time.Time
	Source     VisitSource
	Snapshot   PlaceSnapshot
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open reports whether the visit has not yet ended.
func (v Visit) Open() bool {
	return v.EndedAt == nil
}

// Validate enforces the invariants every visit row must satisfy before it is
// written: a known source, a last-seen time no earlier than arrival, and an
// end time (when set) no earlier than arrival.
func (v Visit) Validate() error {
	if v.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !v.Source.Valid() {
		return fmt.Errorf("%w: unknown visit source %q", ErrValidation, string(v.Source))
	}
	if v.LastSeenAt.Before(v.ArrivedAt) {
		return fmt.Errorf("%w: last_seen_at must not be before arrived_at", ErrValidation)
	}
	if v.EndedAt != nil && v.EndedAt.Before(v.ArrivedAt) {
		return fmt.Errorf("%w: ended_at must not be before arrived_at", ErrValidation)
	}
	return nil
}
