// Package grid generates the square geo-coordinate sampling grid a scan
// walks over a service area.
package grid

import (
	"math"

	"github.com/rotisserie/eris"
)

// MilesPerDegreeLat is the approximate north-south extent of one degree of
// latitude. Longitude shrinks by cos(latitude).
const MilesPerDegreeLat = 69.0

// ValidSizes are the accepted grid dimensions. The orchestrator rejects
// anything else before calling Generate.
var ValidSizes = []int{3, 5, 7, 9}

// Point is one cell of the grid. Row 0 is the north edge, col 0 the west
// edge.
type Point struct {
	Row int
	Col int
	Lat float64
	Lng float64
}

// IsValidSize reports whether size is an accepted grid dimension.
func IsValidSize(size int) bool {
	for _, s := range ValidSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Generate produces size*size points evenly spaced over a square of side
// 2*radiusMiles centered at (centerLat, centerLng), in row-major order.
// Coordinates are rounded to seven decimal places.
func Generate(centerLat, centerLng, radiusMiles float64, size int) ([]Point, error) {
	if !IsValidSize(size) {
		return nil, eris.Errorf("grid: invalid size %d (valid: 3, 5, 7, 9)", size)
	}
	if radiusMiles <= 0 {
		return nil, eris.Errorf("grid: radius must be positive, got %f", radiusMiles)
	}

	latSpan := 2 * radiusMiles / MilesPerDegreeLat
	lngSpan := 2 * radiusMiles / (MilesPerDegreeLat * math.Cos(centerLat*math.Pi/180))

	latStep := latSpan / float64(size-1)
	lngStep := lngSpan / float64(size-1)

	north := centerLat + latSpan/2
	west := centerLng - lngSpan/2

	points := make([]Point, 0, size*size)
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			points = append(points, Point{
				Row: row,
				Col: col,
				Lat: round7(north - float64(row)*latStep),
				Lng: round7(west + float64(col)*lngStep),
			})
		}
	}
	return points, nil
}

func round7(f float64) float64 {
	return math.Round(f*1e7) / 1e7
}
