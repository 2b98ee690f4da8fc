package fade

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultDuration is the opacity transition length.
	DefaultDuration = 350 * time.Millisecond

	// DefaultTick is the animation frame interval.
	DefaultTick = 16 * time.Millisecond

	// SkipThreshold is the opacity delta below which a fade is applied
	// directly instead of animated.
	SkipThreshold = 0.001
)

// Map is the surface whose layer opacities get animated. Implementations
// must be safe for concurrent use; the animator drives each layer from its
// own goroutine.
type Map interface {
	HasLayer(id string) bool
	GetOpacity(id string) float64
	SetOpacity(id string, value float64)
}

// Animator runs at most one fade per layer. Starting a fade on a layer
// that is already fading cancels the old one and continues from whatever
// opacity the layer has reached.
type Animator struct {
	surface  Map
	duration time.Duration
	tick     time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]*fadeRun
}

type fadeRun struct {
	cancel context.CancelFunc
}

// NewAnimator creates an animator. Non-positive duration or tick fall back
// to the defaults.
func NewAnimator(surface Map, duration, tick time.Duration, logger zerolog.Logger) *Animator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Animator{
		surface:  surface,
		duration: duration,
		tick:     tick,
		logger:   logger,
		running:  make(map[string]*fadeRun),
	}
}

// Animate fades a layer to target opacity. Unknown layers are ignored.
// Targets outside [0, 1] are clamped. Deltas under SkipThreshold are
// applied immediately without an animation.
func (a *Animator) Animate(layerID string, target float64) {
	if target < 0 {
		target = 0
	} else if target > 1 {
		target = 1
	}

	if !a.surface.HasLayer(layerID) {
		a.logger.Debug().Str("layer", layerID).Msg("fade target layer not present")
		return
	}

	from := a.surface.GetOpacity(layerID)
	delta := target - from

	if delta < SkipThreshold && delta > -SkipThreshold {
		a.cancelLayer(layerID)
		a.surface.SetOpacity(layerID, target)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &fadeRun{cancel: cancel}

	a.mu.Lock()
	if old, ok := a.running[layerID]; ok {
		old.cancel()
	}
	a.running[layerID] = run
	a.mu.Unlock()

	go a.animate(ctx, run, layerID, from, target)
}

func (a *Animator) animate(ctx context.Context, run *fadeRun, layerID string, from, target float64) {
	defer a.finish(run, layerID)

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := float64(time.Since(start)) / float64(a.duration)
			if p >= 1 {
				a.surface.SetOpacity(layerID, target)
				return
			}
			a.surface.SetOpacity(layerID, from+(target-from)*Ease(p))
		}
	}
}

// finish removes the run from the registry unless a newer fade has
// already replaced it.
func (a *Animator) finish(run *fadeRun, layerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[layerID] == run {
		delete(a.running, layerID)
	}
}

func (a *Animator) cancelLayer(layerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.running[layerID]; ok {
		old.cancel()
		delete(a.running, layerID)
	}
}

// StopAll cancels every in-flight fade, leaving layers at their current
// opacity.
func (a *Animator) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, run := range a.running {
		run.cancel()
		delete(a.running, id)
	}
}

// Active reports how many fades are currently running.
func (a *Animator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}
