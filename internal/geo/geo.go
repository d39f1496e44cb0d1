// Package geo provides the small amount of spherical geometry the visit
// engine needs: great-circle distance between two WGS84 coordinates and a
// bounding box for coarse index-backed place queries.
package geo

import "math"

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6371000.0

// DistanceM returns the great-circle distance in meters between two
// latitude/longitude pairs, computed with the haversine formula.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// BoundingBox is a latitude/longitude rectangle. It over-approximates a
// radius around a center point so that a plain btree index on (latitude,
// longitude) can prefilter rows before the exact haversine check.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// BoxAround returns a bounding box that contains every point within
// radiusM meters of (lat, lon). Near the poles the longitude span collapses
// numerically, so it widens to the full range there; latitude is clamped to
// the valid interval. The box over-approximates the circle, so callers must
// still apply the exact distance check.
func BoxAround(lat, lon, radiusM float64) BoundingBox {
	latDelta := radiusM / earthRadiusM * 180 / math.Pi

	box := BoundingBox{
		MinLat: math.Max(lat-latDelta, -90),
		MaxLat: math.Min(lat+latDelta, 90),
	}

	// Meridians converge toward the poles, so the longitude span is computed
	// at the latitude inside the band nearest a pole; everywhere else in the
	// band the same metric distance spans fewer degrees.
	edgeLat := math.Max(math.Abs(lat-latDelta), math.Abs(lat+latDelta))
	cosLat := math.Cos(edgeLat * math.Pi / 180)
	if cosLat < 1e-6 {
		box.MinLon, box.MaxLon = -180, 180
		return box
	}

	lonDelta := latDelta / cosLat
	if lonDelta >= 180 {
		box.MinLon, box.MaxLon = -180, 180
		return box
	}
	// A box crossing the antimeridian would need a two-range longitude query;
	// widening to the full span keeps it a single BETWEEN and the exact
	// distance check discards the extra rows.
	if lon-lonDelta < -180 || lon+lonDelta > 180 {
		box.MinLon, box.MaxLon = -180, 180
		return box
	}
	box.MinLon = lon - lonDelta
	box.MaxLon = lon + lonDelta
	return box
}

// Contains reports whether the point lies inside the box.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}
