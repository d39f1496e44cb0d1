package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/geo"
	"github.com/waylog/waylog/internal/repo"
)

// PlaceMatcher resolves which of a user's places a location ping plausibly
// hits. It is pure lookup and math; candidate and visit state are handled by
// DetectionService.
type PlaceMatcher struct {
	places repo.PlaceRepo
}

// NewPlaceMatcher constructs a PlaceMatcher backed by the provided repo.
func NewPlaceMatcher(places repo.PlaceRepo) *PlaceMatcher {
	return &PlaceMatcher{places: places}
}

// FindNearby returns the user's places within the ping's detection radius,
// closest first. The radius is the ping's reported accuracy scaled by
// AccuracyMultiplier and clamped into [MinRadiusM, MaxRadiusM]; pings whose
// accuracy exceeds AccuracyRejectM match nothing.
//
// Candidates come from a bounding-box query sized to MaxSearchRadiusM, which
// keeps the database on the (latitude, longitude) index. The exact haversine
// distance then cuts box corners and anything beyond the radius.
func (m *PlaceMatcher) FindNearby(ctx context.Context, ping domain.Ping, settings domain.DetectionSettings) ([]domain.PlaceDistance, error) {
	if settings.RejectAccuracy(ping.AccuracyM) {
		return nil, nil
	}
	radius := settings.DetectionRadius(ping.AccuracyM)

	box := geo.BoxAround(ping.Latitude, ping.Longitude, settings.MaxSearchRadiusM)
	places, err := m.places.ListInBox(ctx, ping.UserID, box)
	if err != nil {
		return nil, fmt.Errorf("service.PlaceMatcher.FindNearby: %w", err)
	}

	var matches []domain.PlaceDistance
	for _, p := range places {
		d := geo.DistanceM(ping.Latitude, ping.Longitude, p.Latitude, p.Longitude)
		if d <= radius {
			matches = append(matches, domain.PlaceDistance{Place: p, DistanceM: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].DistanceM < matches[j].DistanceM
	})
	return matches, nil
}
