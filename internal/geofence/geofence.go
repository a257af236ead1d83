package geofence

import (
	"math"
	"time"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Sample is a single device location reading. Samples are ephemeral: one is
// produced per acquisition attempt and only ever persisted embedded inside a
// finalized attendance record.
type Sample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Coordinate returns the sample's position.
func (s Sample) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Verdict is the outcome of checking a sample against the campus bounds.
type Verdict struct {
	DistanceMeters float64 `json:"distance_meters"`
	WithinCampus   bool    `json:"within_campus"`
}

// DistanceMeters computes the great-circle distance between two coordinates
// using the haversine formula. Inputs are degrees, output is meters.
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Evaluate checks a sample against the campus center and radius. The boundary
// is inclusive: a sample exactly on the radius is within campus.
func Evaluate(s Sample, cfg Settings) Verdict {
	d := DistanceMeters(s.Coordinate(), cfg.Center())
	return Verdict{DistanceMeters: d, WithinCampus: d <= cfg.MaxRadiusMeters}
}
