package naming

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// SanitizeCoordinate formats a coordinate for use in filenames (removes minus sign, uses N/S/E/W)
// Replaces decimal point with 'p' for Windows compatibility
func SanitizeCoordinate(coord float64, isLat bool) string {
	var dir string
	switch {
	case isLat && coord < 0:
		dir = "S"
	case isLat:
		dir = "N"
	case coord < 0:
		dir = "W"
	default:
		dir = "E"
	}
	coordStr := fmt.Sprintf("%.4f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}

// BoundString is a short filename-safe form of a lon/lat bound
// Format: {south}-{north}_{west}-{east}
func BoundString(b orb.Bound) string {
	return fmt.Sprintf("%s-%s_%s-%s",
		SanitizeCoordinate(b.Min.Lat(), true),
		SanitizeCoordinate(b.Max.Lat(), true),
		SanitizeCoordinate(b.Min.Lon(), false),
		SanitizeCoordinate(b.Max.Lon(), false))
}
