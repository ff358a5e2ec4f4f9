// Package geo provides great-circle math for GPS positions: haversine
// distance, initial bearing, longitude normalization, and speed derivation
// between consecutive fixes.
package geo

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// Haversine returns the great-circle distance in kilometers between two
// WGS-84 coordinates. The formula is symmetric around the antimeridian, so
// raw longitudes on either side of +/-180 yield the short-arc distance.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Bearing returns the initial bearing in degrees from the first coordinate
// toward the second, normalized to [0, 360). North is 0, east is 90.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dLambda := toRadians(lon2 - lon1)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := toDegrees(math.Atan2(y, x))
	deg = math.Mod(deg+360, 360)
	if deg == 360 {
		deg = 0
	}
	return deg
}

// Translate advances a coordinate by the given initial bearing (degrees) and
// distance (kilometers) along a great circle, returning the destination
// latitude and longitude. The longitude is wrapped into (-180, +180].
func Translate(lat, lon, bearingDeg, distanceKm float64) (float64, float64) {
	phi1 := toRadians(lat)
	lambda1 := toRadians(lon)
	theta := toRadians(bearingDeg)
	delta := distanceKm / earthRadiusKm

	sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
	phi2 := math.Asin(sinPhi2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(phi1)
	x := math.Cos(delta) - math.Sin(phi1)*sinPhi2
	lambda2 := lambda1 + math.Atan2(y, x)

	return toDegrees(phi2), WrapLongitude(toDegrees(lambda2))
}

// WrapLongitude normalizes a longitude into (-180, +180]. Exactly +180 is
// preserved; -180 maps to +180.
func WrapLongitude(lon float64) float64 {
	wrapped := math.Mod(lon, 360)
	if wrapped > 180 {
		wrapped -= 360
	} else if wrapped <= -180 {
		wrapped += 360
	}
	return wrapped
}

// DeriveSpeedKmh computes the average speed in km/h implied by moving from
// the previous fix to the current one. The current timestamp must be strictly
// later than the previous; otherwise (equal, out of order) the result is 0.
func DeriveSpeedKmh(prevLat, prevLon float64, prevTs time.Time, lat, lon float64, ts time.Time) float64 {
	if !ts.After(prevTs) {
		return 0
	}
	hours := ts.Sub(prevTs).Hours()
	if hours <= 0 {
		return 0
	}
	return Haversine(prevLat, prevLon, lat, lon) / hours
}
