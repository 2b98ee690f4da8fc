package geotiff

import "github.com/wroge/wgs84"

// GeoKey ids used in the key directory.
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyCitation       = 1026
	keyProjectedCS    = 3072
	keyProjLinearUnit = 3076
)

const citation = "WGS 84 / Pseudo-Mercator|"

// WebMercatorTags georeferences an image covering the given geographic
// bounding box, reprojected to EPSG:3857. The tiepoint anchors the top-left
// pixel at (west, north) and the pixel scale spreads the box over
// width x height pixels.
func WebMercatorTags(south, west, north, east float64, width, height int) map[uint16]interface{} {
	project := wgs84.EPSG().Transform(4326, 3857)
	minX, minY, _ := project(west, south, 0)
	maxX, maxY, _ := project(east, north, 0)

	scaleX := (maxX - minX) / float64(width)
	scaleY := (maxY - minY) / float64(height)

	return map[uint16]interface{}{
		TagModelTiepoint:   []float64{0, 0, 0, minX, maxY, 0},
		TagModelPixelScale: []float64{scaleX, scaleY, 0},
		TagGeoKeyDirectory: []uint16{
			1, 1, 0, 5,
			keyModelType, 0, 1, 1, // projected CRS
			keyRasterType, 0, 1, 1, // pixel is area
			keyCitation, TagGeoASCIIParams, uint16(len(citation)), 0,
			keyProjectedCS, 0, 1, 3857,
			keyProjLinearUnit, 0, 1, 9001, // metre
		},
		TagGeoASCIIParams: citation,
	}
}
