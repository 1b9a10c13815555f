package model

import "math"

// EarthRadiusMiles is the mean Earth radius used for haversine distances.
const EarthRadiusMiles = 3958.8

// HaversineMiles returns the great-circle distance between two coordinates
// in miles.
func HaversineMiles(lat1, lng1, lat2, lng2 float64) float64 {
	const deg2rad = math.Pi / 180

	dLat := (lat2 - lat1) * deg2rad
	dLng := (lng2 - lng1) * deg2rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg2rad)*math.Cos(lat2*deg2rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * EarthRadiusMiles * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
