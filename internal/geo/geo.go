// Package geo provides the spatial primitives for access clustering and
// peer selection: geohash encode/decode, great-circle distance, and
// centroid computation over event locations.
package geo

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// EncodePrecision is the number of geohash characters used when
// re-encoding a centroid. Nine characters is the highest precision the
// encoding supports (~5m cells).
const EncodePrecision = 9

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Decode converts a geohash into the point at its cell center.
func Decode(hash string) (Point, error) {
	if err := geohash.Validate(hash); err != nil {
		return Point{}, fmt.Errorf("invalid geohash %q: %w", hash, err)
	}
	lat, lon := geohash.DecodeCenter(hash)
	return Point{Lat: lat, Lon: lon}, nil
}

// Encode converts a point into a geohash of the given character precision.
func Encode(p Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, precision)
}

// Centroid returns the arithmetic mean of the given points, averaging
// latitude and longitude independently. Returns false if pts is empty.
func Centroid(pts []Point) (Point, bool) {
	if len(pts) == 0 {
		return Point{}, false
	}
	var lat, lon float64
	for _, p := range pts {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(pts))
	return Point{Lat: lat / n, Lon: lon / n}, true
}

// DistanceKm returns the great-circle distance between two points in
// kilometers using the haversine formula.
func DistanceKm(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
