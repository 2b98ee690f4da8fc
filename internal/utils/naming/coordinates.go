// Package naming builds deterministic filenames for exports. The same view,
// era and format always produce the same name.
package naming

import (
	"fmt"
	"math"
	"strings"

	"southmakuhari-history/internal/tiles"
)

// Quadkey addresses the tile containing the coordinate at zoom as a
// Bing-style quadkey digit string, one digit per zoom level.
func Quadkey(lat, lng float64, zoom int) string {
	cell := tiles.CellForCoordinate(lat, lng, zoom)

	var key strings.Builder
	for i := cell.Zoom; i > 0; i-- {
		digit := 0
		mask := 1 << (i - 1)
		if cell.Col&mask != 0 {
			digit++
		}
		if cell.Row&mask != 0 {
			digit += 2
		}
		key.WriteByte(byte('0' + digit))
	}
	return key.String()
}

// SanitizeCoordinate formats a coordinate for filenames: hemisphere letter
// instead of a sign, 'p' instead of the decimal point.
func SanitizeCoordinate(coord float64, isLat bool) string {
	dir := "E"
	if isLat {
		dir = "N"
		if coord < 0 {
			dir = "S"
		}
	} else if coord < 0 {
		dir = "W"
	}
	s := fmt.Sprintf("%.4f", math.Abs(coord))
	return strings.Replace(s, ".", "p", 1) + dir
}
