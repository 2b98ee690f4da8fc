package naming

import "fmt"

// Extension maps an export format name to its file extension.
func Extension(format string) string {
	if format == "geotiff" {
		return "tif"
	}
	return format
}

// SnapshotFilename names a single-era composite export.
// Format: {era}_{quadkey}_z{zoom}_{lat}_{lng}.{ext}
func SnapshotFilename(eraID string, lat, lng float64, zoom int, format string) string {
	return fmt.Sprintf("%s_%s_z%d_%s_%s.%s",
		eraID,
		Quadkey(lat, lng, zoom),
		zoom,
		SanitizeCoordinate(lat, true),
		SanitizeCoordinate(lng, false),
		Extension(format))
}

// TimelapseFilename names an all-era timelapse export.
// Format: timelapse_{quadkey}_z{zoom}_{lat}_{lng}.{ext}
func TimelapseFilename(lat, lng float64, zoom int, format string) string {
	return fmt.Sprintf("timelapse_%s_z%d_%s_%s.%s",
		Quadkey(lat, lng, zoom),
		zoom,
		SanitizeCoordinate(lat, true),
		SanitizeCoordinate(lng, false),
		Extension(format))
}
