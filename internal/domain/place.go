package domain

import (
	"time"

	"github.com/google/uuid"
)

// Place is the read model of a planned place on a trip. The engine never
// writes places; the trip CRUD side of the application owns them. Trip and
// region fields are denormalized onto the place so that snapshotting a visit
// needs a single read.
type Place struct {
	ID          uuid.UUID
	TripID      uuid.UUID
	TripName    string
	RegionName  string
	Name        string
	Latitude    float64
	Longitude   float64
	IconName    string
	MarkerColor string
	NotesHTML   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PlaceDistance pairs a place with its great-circle distance from a ping.
type PlaceDistance struct {
	Place     Place
	DistanceM float64
}
