// Package era maps the selected time index to opacity targets for every
// imagery layer and the historical coastline overlay.
package era

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"southmakuhari-history/internal/timeline"
)

// Map layer ids of the coastline overlay.
const (
	CoastlineFillLayer = "coastline-fill"
	CoastlineLineLayer = "coastline-line"
)

// FallbackOpacity is the strength of a selected era's fallback layer. The
// fallback renders beneath the primary to patch gaps in it, so it stays
// translucent instead of switching in as a full substitute.
const FallbackOpacity = 0.65

// OpacityDriver receives the computed targets. fade.Animator satisfies
// this.
type OpacityDriver interface {
	Animate(layerID string, target float64)
}

// Controller owns the selected era index and re-derives layer opacities
// whenever it changes.
type Controller struct {
	eras   []timeline.Era
	driver OpacityDriver
	logger zerolog.Logger

	mu       sync.RWMutex
	selected int
	onChange func(index int, era timeline.Era)
}

// NewController creates a controller over an ordered era sequence.
func NewController(eras []timeline.Era, driver OpacityDriver, logger zerolog.Logger) (*Controller, error) {
	if len(eras) == 0 {
		return nil, fmt.Errorf("era sequence is empty")
	}
	return &Controller{
		eras:   eras,
		driver: driver,
		logger: logger,
	}, nil
}

// SetOnChange installs a callback fired after each selection change, used
// to kick the board texture resync. It runs on the caller's goroutine.
func (c *Controller) SetOnChange(fn func(index int, era timeline.Era)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Selected returns the current index and era.
func (c *Controller) Selected() (int, timeline.Era) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected, c.eras[c.selected]
}

// Count returns the number of eras.
func (c *Controller) Count() int {
	return len(c.eras)
}

// OnEraIndexChange selects an era and fires one animation per affected
// layer. It does not wait for the fades to finish.
func (c *Controller) OnEraIndexChange(index int) error {
	if index < 0 || index >= len(c.eras) {
		return fmt.Errorf("era index %d out of range [0, %d)", index, len(c.eras))
	}

	c.mu.Lock()
	c.selected = index
	onChange := c.onChange
	c.mu.Unlock()

	era := c.eras[index]
	c.logger.Info().Int("index", index).Str("era", era.ID).Msg("era selected")

	targets := c.LayerTargets(index)
	for _, layerID := range c.layerOrder() {
		c.driver.Animate(layerID, targets[layerID])
	}

	fill, line := c.CoastlineOpacities(index)
	c.driver.Animate(CoastlineFillLayer, fill)
	c.driver.Animate(CoastlineLineLayer, line)

	if onChange != nil {
		onChange(index, era)
	}

	return nil
}

// LayerTargets computes the opacity target for every era layer at a given
// index. A layer referenced by several eras (one era's fallback can be
// another's primary) takes the strongest of its roles.
func (c *Controller) LayerTargets(index int) map[string]float64 {
	targets := make(map[string]float64)

	bump := func(layerID string, v float64) {
		if v > targets[layerID] {
			targets[layerID] = v
		}
	}

	for i, e := range c.eras {
		selected := i == index

		primary := 0.0
		if selected {
			primary = 1.0
		}
		bump(e.Layer, primary)

		if e.FallbackLayer != "" {
			fb := 0.0
			if selected {
				fb = FallbackOpacity
			}
			bump(e.FallbackLayer, fb)
		}
	}

	return targets
}

// CoastlineOpacities derives the overlay strength for an era index. The
// earliest era shows the estimated pre-reclamation shoreline strongest;
// confidence in its relevance decays toward the present.
func (c *Controller) CoastlineOpacities(index int) (fill, line float64) {
	total := len(c.eras)
	if total <= 1 {
		return 0.25, 0.9
	}

	recency := 1 - float64(index)/float64(total-1)
	return 0.18 + 0.22*recency, 0.4 + 0.6*recency
}

// layerOrder lists era layers primaries first, fallbacks after, without
// duplicates, so the animation calls land in a stable order.
func (c *Controller) layerOrder() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range c.eras {
		if !seen[e.Layer] {
			seen[e.Layer] = true
			ids = append(ids, e.Layer)
		}
	}
	for _, e := range c.eras {
		if e.FallbackLayer != "" && !seen[e.FallbackLayer] {
			seen[e.FallbackLayer] = true
			ids = append(ids, e.FallbackLayer)
		}
	}
	return ids
}
