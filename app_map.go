package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"southmakuhari-history/internal/boardsync"
	"southmakuhari-history/internal/era"
	"southmakuhari-history/internal/timeline"
)

// mapBridge implements the animator's map surface over Wails events. The
// frontend map applies each "layer-opacity" event to its paint properties;
// the bridge keeps a shadow copy so fades can continue from the value a
// layer has actually reached.
type mapBridge struct {
	logger zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	known     map[string]bool
	opacities map[string]float64
}

// newMapBridge seeds the layer registry from the timeline: every era layer
// plus the two coastline overlay layers.
func newMapBridge(tl *timeline.Timeline, logger zerolog.Logger) *mapBridge {
	b := &mapBridge{
		logger:    logger,
		known:     make(map[string]bool),
		opacities: make(map[string]float64),
	}

	if tl != nil {
		for _, id := range tl.EraLayerIDs() {
			b.known[id] = true
		}
	}
	b.known[era.CoastlineFillLayer] = true
	b.known[era.CoastlineLineLayer] = true

	return b
}

// bind attaches the Wails context. Opacity writes before bind update the
// shadow state but emit nothing.
func (b *mapBridge) bind(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
}

func (b *mapBridge) HasLayer(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[id]
}

func (b *mapBridge) GetOpacity(id string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opacities[id]
}

func (b *mapBridge) SetOpacity(id string, value float64) {
	b.mu.Lock()
	b.opacities[id] = value
	ctx := b.ctx
	b.mu.Unlock()

	if ctx != nil {
		wailsRuntime.EventsEmit(ctx, "layer-opacity", map[string]interface{}{
			"layerId": id,
			"opacity": value,
		})
	}
}

// snapshot returns a copy of all shadow opacities.
func (b *mapBridge) snapshot() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]float64, len(b.opacities))
	for id, v := range b.opacities {
		out[id] = v
	}
	return out
}

// EraState is the composited view state the frontend renders from.
type EraState struct {
	Index         int                `json:"index"`
	Era           timeline.Era       `json:"era"`
	LayerOpacity  map[string]float64 `json:"layerOpacity"`
	CoastlineFill float64            `json:"coastlineFill"`
	CoastlineLine float64            `json:"coastlineLine"`
}

// SelectEra switches the viewer to the era at the given timeline index. The
// opacity fades run asynchronously; the frontend sees them as a stream of
// layer-opacity events.
func (a *App) SelectEra(index int) error {
	if a.eras == nil {
		return fmt.Errorf("era controller unavailable")
	}

	if err := a.eras.OnEraIndexChange(index); err != nil {
		return err
	}

	_, e := a.eras.Selected()
	a.TrackEvent("era_selected", map[string]interface{}{
		"era":   e.ID,
		"index": index,
	})
	return nil
}

// GetEraState reports the selected era along with the target opacities of
// every layer, for frontends that (re)build their layer stack late.
func (a *App) GetEraState() (EraState, error) {
	if a.eras == nil {
		return EraState{}, fmt.Errorf("era controller unavailable")
	}

	index, e := a.eras.Selected()
	fill, line := a.eras.CoastlineOpacities(index)

	return EraState{
		Index:         index,
		Era:           e,
		LayerOpacity:  a.eras.LayerTargets(index),
		CoastlineFill: fill,
		CoastlineLine: line,
	}, nil
}

// GetLayerOpacities returns the current shadow opacity of every map layer.
func (a *App) GetLayerOpacities() map[string]float64 {
	return a.mapView.snapshot()
}

// OnViewportSettled tells the engine the 2D camera came to rest. The board
// resync is debounced engine-side, so the frontend can forward every
// move-end without throttling.
func (a *App) OnViewportSettled(lat, lng float64, zoom int) {
	if a.syncer == nil {
		return
	}
	a.syncer.OnViewportSettled(boardsync.Viewport{Lat: lat, Lng: lng, Zoom: zoom})
}

// WasSea reports whether a coordinate lay seaward of the pre-reclamation
// shoreline. Without coastline data the answer is false.
func (a *App) WasSea(lat, lng float64) bool {
	if a.coast == nil {
		return false
	}
	return a.coast.WasSea(lat, lng)
}
