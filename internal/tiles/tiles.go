// Package tiles maps geographic coordinates onto the slippy-map tile grid
// and builds tile image URLs for the GSI XYZ tile service.
package tiles

import (
	"fmt"
	"math"
)

const (
	// TileSize is the pixel edge length of one map tile
	TileSize = 256

	// Web Mercator latitude limits
	MinLat = -85.051129
	MaxLat = 85.051129

	MinLon = -180.0
	MaxLon = 180.0

	// MaxZoom is the deepest level served by the GSI tile trees used here
	MaxZoom = 18
)

// Cell is the (column, row) address of one tile at a zoom level.
type Cell struct {
	Col  int `json:"col"`
	Row  int `json:"row"`
	Zoom int `json:"zoom"`
}

// CellForCoordinate returns the tile cell containing a coordinate at the
// given zoom. Zoom is assumed non-negative and the latitude must be inside
// the Web Mercator range; out-of-range input is the caller's problem.
func CellForCoordinate(lat, lng float64, zoom int) Cell {
	n := math.Exp2(float64(zoom))
	col := int(math.Floor((lng + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	row := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	return Cell{Col: col, Row: row, Zoom: zoom}
}

// CellOrigin returns the latitude/longitude of the cell's north-west corner.
func CellOrigin(c Cell) (lat, lng float64) {
	n := math.Exp2(float64(c.Zoom))
	lng = float64(c.Col)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*float64(c.Row)/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lng
}

// CellCenter returns the latitude/longitude of the cell's center point.
func CellCenter(c Cell) (lat, lng float64) {
	n := math.Exp2(float64(c.Zoom))
	lng = (float64(c.Col)+0.5)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1.0 - 2.0*(float64(c.Row)+0.5)/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lng
}

// Block is a square span x span group of cells. Origin is the top-left cell;
// the center cell sits span/2 cells right and down from it.
type Block struct {
	Origin Cell
	Span   int
}

// BlockAround builds the span x span block whose center cell contains the
// given coordinate.
func BlockAround(lat, lng float64, zoom, span int) Block {
	center := CellForCoordinate(lat, lng, zoom)
	return Block{
		Origin: Cell{Col: center.Col - span/2, Row: center.Row - span/2, Zoom: zoom},
		Span:   span,
	}
}

// Cells lists every cell of the block in row-major order.
func (b Block) Cells() []Cell {
	cells := make([]Cell, 0, b.Span*b.Span)
	for row := 0; row < b.Span; row++ {
		for col := 0; col < b.Span; col++ {
			cells = append(cells, Cell{
				Col:  b.Origin.Col + col,
				Row:  b.Origin.Row + row,
				Zoom: b.Origin.Zoom,
			})
		}
	}
	return cells
}

// BoundingBox is a geographic bounding box in degrees.
type BoundingBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Validate checks that the box is well formed and inside valid ranges.
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West >= b.East {
		return fmt.Errorf("west (%f) must be less than east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < MinLon || b.East > MaxLon {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// GeoBounds returns the geographic bounding box covered by the block.
func (b Block) GeoBounds() BoundingBox {
	north, west := CellOrigin(b.Origin)
	south, east := CellOrigin(Cell{
		Col:  b.Origin.Col + b.Span,
		Row:  b.Origin.Row + b.Span,
		Zoom: b.Origin.Zoom,
	})
	return BoundingBox{South: south, West: west, North: north, East: east}
}

// URL builds the image URL for one cell of a layer, as
// {root}/{layer}/{zoom}/{col}/{row}.{ext}.
func URL(root, layer, ext string, c Cell) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d.%s", root, layer, c.Zoom, c.Col, c.Row, ext)
}

// ClampLat pins a latitude into the Web Mercator valid range.
func ClampLat(lat float64) float64 {
	if lat < MinLat {
		return MinLat
	}
	if lat > MaxLat {
		return MaxLat
	}
	return lat
}

// ClampZoom pins a zoom level into [0, max].
func ClampZoom(zoom, max int) int {
	if zoom < 0 {
		return 0
	}
	if zoom > max {
		return max
	}
	return zoom
}
