// Package boardsync keeps the immersive board's texture in step with the
// 2D map. Viewport settles and era changes both funnel into one
// idempotent Resync that queues a fresh compose job onto the board
// manager.
package boardsync

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"southmakuhari-history/internal/board"
	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/tiles"
	"southmakuhari-history/internal/timeline"
)

// DefaultSettleDelay is how long the viewport must stay still before a
// resync fires.
const DefaultSettleDelay = 250 * time.Millisecond

// DeviceClass buckets headsets by how much texture they can take.
type DeviceClass string

const (
	ClassStandard    DeviceClass = "standard"
	ClassConstrained DeviceClass = "constrained"
)

// Profile is the compose geometry for a device class.
type Profile struct {
	Span           int
	MaxZoom        int
	MaxTextureSide int // 0 means unlimited
}

// ProfileFor maps a device class to its compose profile. Unknown classes
// get the standard profile.
func ProfileFor(class DeviceClass) Profile {
	if class == ClassConstrained {
		return Profile{Span: 2, MaxZoom: 16, MaxTextureSide: 512}
	}
	return Profile{Span: 3, MaxZoom: 17}
}

// Viewport is the 2D map camera state the board mirrors.
type Viewport struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom int     `json:"zoom"`
}

// Composer produces board textures. composite.Loader satisfies this.
type Composer interface {
	Compose(ctx context.Context, req composite.Request, onProgress func(done, total int)) *composite.Texture
}

// BoardTarget receives the queued loaders. board.Manager satisfies this.
type BoardTarget interface {
	QueueTextureLoader(loader board.TextureLoader) uint64
	RefreshTexture(ctx context.Context)
}

// EraSource exposes the current selection. era.Controller satisfies this.
type EraSource interface {
	Selected() (int, timeline.Era)
}

// Syncer is the bridge. Create one per application window.
type Syncer struct {
	composer Composer
	board    BoardTarget
	eras     EraSource
	tl       *timeline.Timeline
	logger   zerolog.Logger

	settle func(func())

	mu           sync.Mutex
	profile      Profile
	viewport     Viewport
	haveViewport bool
}

// New creates a syncer. A non-positive settleDelay uses the default.
func New(composer Composer, boardTarget BoardTarget, eras EraSource, tl *timeline.Timeline, profile Profile, settleDelay time.Duration, logger zerolog.Logger) *Syncer {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Syncer{
		composer: composer,
		board:    boardTarget,
		eras:     eras,
		tl:       tl,
		logger:   logger,
		settle:   debounce.New(settleDelay),
		profile:  profile,
	}
}

// SetProfile swaps the compose profile, e.g. when the user overrides the
// device class in settings. Takes effect on the next resync.
func (s *Syncer) SetProfile(profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = profile
}

// Viewport returns the last reported viewport.
func (s *Syncer) Viewport() (Viewport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport, s.haveViewport
}

// OnViewportSettled records the new viewport and schedules a debounced
// resync. Rapid pan/zoom streams collapse into one compose.
func (s *Syncer) OnViewportSettled(v Viewport) {
	s.mu.Lock()
	s.viewport = v
	s.haveViewport = true
	s.mu.Unlock()

	s.settle(s.Resync)
}

// OnEraChanged resyncs immediately. Wire this to the era controller's
// change callback.
func (s *Syncer) OnEraChanged(int, timeline.Era) {
	s.Resync()
}

// Resync queues a compose job for the current viewport and era onto the
// board and triggers a refresh. Safe to call redundantly: each call
// replaces the previously queued job, and refreshing without an active
// session just leaves the job held.
func (s *Syncer) Resync() {
	s.mu.Lock()
	if !s.haveViewport {
		s.mu.Unlock()
		s.logger.Debug().Msg("resync before first viewport, skipping")
		return
	}
	viewport := s.viewport
	profile := s.profile
	s.mu.Unlock()

	_, selected := s.eras.Selected()

	primary, ok := s.tl.LayerByID(selected.Layer)
	if !ok {
		s.logger.Error().Str("layer", selected.Layer).Msg("selected era references unknown layer")
		return
	}

	var fallback *timeline.Layer
	if selected.FallbackLayer != "" {
		if fb, ok := s.tl.LayerByID(selected.FallbackLayer); ok {
			fallback = &fb
		}
	}

	zoom := viewport.Zoom
	if zoom > profile.MaxZoom {
		zoom = profile.MaxZoom
	}
	if zoom > primary.MaxZoom {
		zoom = primary.MaxZoom
	}
	zoom = tiles.ClampZoom(zoom, tiles.MaxZoom)

	block := tiles.BlockAround(viewport.Lat, viewport.Lng, zoom, profile.Span)
	req := composite.Request{Block: block, Layer: primary, Fallback: fallback}

	loader := func(ctx context.Context) (*composite.Texture, error) {
		tex := s.composer.Compose(ctx, req, nil)
		if profile.MaxTextureSide > 0 && tex.SideLength() > profile.MaxTextureSide {
			tex.Image = composite.ScaleTo(tex.Image, profile.MaxTextureSide)
		}
		return tex, nil
	}

	s.board.QueueTextureLoader(loader)
	go s.board.RefreshTexture(context.Background())

	s.logger.Debug().
		Str("era", selected.ID).
		Int("zoom", zoom).
		Int("span", profile.Span).
		Float64("lat", viewport.Lat).
		Float64("lng", viewport.Lng).
		Msg("board texture resync queued")
}
