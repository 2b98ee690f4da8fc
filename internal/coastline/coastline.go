// Package coastline serves the estimated pre-reclamation shoreline: a
// GeoJSON overlay for the 2D map and point queries telling whether a
// coordinate used to be open water.
package coastline

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/peterstace/simplefeatures/geom"
	"github.com/rs/zerolog"
	"github.com/wroge/wgs84"

	"southmakuhari-history/internal/timeline"
)

// Service holds the parsed shoreline geometries in EPSG:4326.
type Service struct {
	shoreline geom.Geometry
	reclaimed geom.Geometry
	logger    zerolog.Logger
}

// NewService parses the WKT geometries from the timeline dataset.
func NewService(data timeline.Coastline, logger zerolog.Logger) (*Service, error) {
	shoreline, err := geom.UnmarshalWKT(data.Shoreline)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shoreline WKT: %w", err)
	}
	if !shoreline.IsLineString() {
		return nil, fmt.Errorf("shoreline geometry is %s, want LineString", shoreline.Type())
	}

	reclaimed, err := geom.UnmarshalWKT(data.Reclaimed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reclaimed-area WKT: %w", err)
	}
	if !reclaimed.IsPolygon() {
		return nil, fmt.Errorf("reclaimed-area geometry is %s, want Polygon", reclaimed.Type())
	}

	return &Service{
		shoreline: shoreline,
		reclaimed: reclaimed,
		logger:    logger,
	}, nil
}

// WasSea reports whether a coordinate lay seaward of the historical
// shoreline, i.e. on land that only exists because of reclamation.
func (s *Service) WasSea(lat, lng float64) bool {
	point := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: lng, Y: lat}})
	return geom.Intersects(point.AsGeometry(), s.reclaimed)
}

// GeoJSON renders both geometries as a FeatureCollection for the map
// overlay source.
func (s *Service) GeoJSON() ([]byte, error) {
	fc := geom.GeoJSONFeatureCollection{
		{
			Geometry:   s.shoreline,
			Properties: map[string]interface{}{"kind": "shoreline"},
		},
		{
			Geometry:   s.reclaimed,
			Properties: map[string]interface{}{"kind": "reclaimed"},
		},
	}

	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coastline GeoJSON: %w", err)
	}
	return data, nil
}

// ShorelineMercator projects the shoreline vertices to EPSG:3857 for
// consumers that work in Web Mercator meters.
func (s *Service) ShorelineMercator() []geom.XY {
	seq := s.shoreline.MustAsLineString().Coordinates()

	out := make([]geom.XY, 0, seq.Length())
	for i := 0; i < seq.Length(); i++ {
		xy := seq.GetXY(i)
		x, y := ToMercator(xy.X, xy.Y)
		out = append(out, geom.XY{X: x, Y: y})
	}
	return out
}

// ToMercator converts a lon/lat pair to EPSG:3857 meters.
func ToMercator(lng, lat float64) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(lng, lat, 0)
	return x, y
}
