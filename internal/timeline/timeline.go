// Package timeline holds the era sequence, named spots, and layer registry
// that drive the viewer. The data is read once at startup and immutable
// afterwards.
package timeline

import (
	_ "embed"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

//go:embed timeline.json
var defaultTimeline []byte

// Era is one historical time bracket mapped to an imagery layer, optionally
// with a fallback layer blended beneath it to patch missing source tiles.
type Era struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Layer         string `json:"layer"`
	FallbackLayer string `json:"fallbackLayer,omitempty"`
}

// Layer describes one GSI tile tree: its image extension and zoom ceiling.
type Layer struct {
	ID          string `json:"id"`
	Ext         string `json:"ext"` // "jpg" or "png"
	MaxZoom     int    `json:"maxZoom"`
	Attribution string `json:"attribution,omitempty"`
}

// Spot is a named viewpoint used to seed the map viewport.
type Spot struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
}

// Coastline carries the historical shoreline geometries in WKT.
type Coastline struct {
	Shoreline string `json:"shoreline"` // LINESTRING, pre-reclamation shore
	Reclaimed string `json:"reclaimed"` // POLYGON, area that used to be sea
}

// Timeline is the full startup dataset.
type Timeline struct {
	Eras      []Era     `json:"eras"`
	Layers    []Layer   `json:"layers"`
	Spots     []Spot    `json:"spots"`
	Coastline Coastline `json:"coastline"`
}

// Load reads a timeline from path, or the embedded default when path is
// empty, and validates it.
func Load(path string) (*Timeline, error) {
	data := defaultTimeline
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read timeline file: %w", err)
		}
	}

	var tl Timeline
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, fmt.Errorf("failed to parse timeline: %w", err)
	}

	if err := tl.Validate(); err != nil {
		return nil, err
	}

	return &tl, nil
}

// Validate checks referential integrity of the dataset.
func (tl *Timeline) Validate() error {
	if len(tl.Eras) == 0 {
		return fmt.Errorf("timeline has no eras")
	}

	layers := make(map[string]Layer, len(tl.Layers))
	for _, l := range tl.Layers {
		if l.Ext != "jpg" && l.Ext != "png" {
			return fmt.Errorf("layer %s: unsupported extension %q", l.ID, l.Ext)
		}
		if _, dup := layers[l.ID]; dup {
			return fmt.Errorf("duplicate layer id: %s", l.ID)
		}
		layers[l.ID] = l
	}

	eraIDs := make(map[string]bool, len(tl.Eras))
	for _, e := range tl.Eras {
		if eraIDs[e.ID] {
			return fmt.Errorf("duplicate era id: %s", e.ID)
		}
		eraIDs[e.ID] = true
		if _, ok := layers[e.Layer]; !ok {
			return fmt.Errorf("era %s references unknown layer %s", e.ID, e.Layer)
		}
		if e.FallbackLayer != "" {
			if _, ok := layers[e.FallbackLayer]; !ok {
				return fmt.Errorf("era %s references unknown fallback layer %s", e.ID, e.FallbackLayer)
			}
		}
	}

	spotIDs := make(map[string]bool, len(tl.Spots))
	for _, s := range tl.Spots {
		if spotIDs[s.ID] {
			return fmt.Errorf("duplicate spot id: %s", s.ID)
		}
		spotIDs[s.ID] = true
		if s.Zoom < 0 {
			return fmt.Errorf("spot %s: negative zoom", s.ID)
		}
	}

	return nil
}

// LayerByID looks up a layer definition.
func (tl *Timeline) LayerByID(id string) (Layer, bool) {
	for _, l := range tl.Layers {
		if l.ID == id {
			return l, true
		}
	}
	return Layer{}, false
}

// SpotByID looks up a spot.
func (tl *Timeline) SpotByID(id string) (Spot, bool) {
	for _, s := range tl.Spots {
		if s.ID == id {
			return s, true
		}
	}
	return Spot{}, false
}

// EraAt returns the era at a time index.
func (tl *Timeline) EraAt(index int) (Era, bool) {
	if index < 0 || index >= len(tl.Eras) {
		return Era{}, false
	}
	return tl.Eras[index], true
}

// EraLayerIDs lists every layer id any era references, primaries first,
// fallbacks after, without duplicates. This is the set of map layers the
// era compositor drives.
func (tl *Timeline) EraLayerIDs() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(tl.Eras)*2)
	for _, e := range tl.Eras {
		if !seen[e.Layer] {
			seen[e.Layer] = true
			ids = append(ids, e.Layer)
		}
	}
	for _, e := range tl.Eras {
		if e.FallbackLayer != "" && !seen[e.FallbackLayer] {
			seen[e.FallbackLayer] = true
			ids = append(ids, e.FallbackLayer)
		}
	}
	return ids
}
