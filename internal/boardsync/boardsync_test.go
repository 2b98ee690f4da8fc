package boardsync

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southmakuhari-history/internal/board"
	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/timeline"
)

type fakeComposer struct {
	mu   sync.Mutex
	reqs []composite.Request
}

func (c *fakeComposer) Compose(_ context.Context, req composite.Request, _ func(int, int)) *composite.Texture {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	side := req.Block.Span * 256
	return &composite.Texture{
		ID:      "tex",
		Image:   image.NewRGBA(image.Rect(0, 0, side, side)),
		Block:   req.Block,
		LayerID: req.Layer.ID,
	}
}

func (c *fakeComposer) lastRequest() (composite.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		return composite.Request{}, false
	}
	return c.reqs[len(c.reqs)-1], true
}

type fakeBoard struct {
	mu        sync.Mutex
	loaders   []board.TextureLoader
	refreshes int
}

func (b *fakeBoard) QueueTextureLoader(loader board.TextureLoader) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaders = append(b.loaders, loader)
	return uint64(len(b.loaders))
}

func (b *fakeBoard) RefreshTexture(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
}

func (b *fakeBoard) queueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loaders)
}

func (b *fakeBoard) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

func (b *fakeBoard) lastLoader() board.TextureLoader {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.loaders) == 0 {
		return nil
	}
	return b.loaders[len(b.loaders)-1]
}

type fakeEras struct {
	mu    sync.Mutex
	index int
	era   timeline.Era
}

func (e *fakeEras) Selected() (int, timeline.Era) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index, e.era
}

func (e *fakeEras) set(index int, era timeline.Era) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = index
	e.era = era
}

func newTestSyncer(t *testing.T, profile Profile) (*Syncer, *fakeComposer, *fakeBoard, *fakeEras, *timeline.Timeline) {
	t.Helper()
	tl, err := timeline.Load("")
	require.NoError(t, err)

	composer := &fakeComposer{}
	fb := &fakeBoard{}
	eras := &fakeEras{era: tl.Eras[0]}

	s := New(composer, fb, eras, tl, profile, 30*time.Millisecond, zerolog.Nop())
	return s, composer, fb, eras, tl
}

func TestResyncBeforeViewportIsNoop(t *testing.T) {
	s, _, fb, _, _ := newTestSyncer(t, ProfileFor(ClassStandard))

	s.Resync()

	assert.Equal(t, 0, fb.queueCount())
	assert.Equal(t, 0, fb.refreshCount())
}

func TestResyncQueuesAndRefreshes(t *testing.T) {
	s, _, fb, _, _ := newTestSyncer(t, ProfileFor(ClassStandard))

	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 16})
	s.Resync()

	assert.GreaterOrEqual(t, fb.queueCount(), 1)
	assert.Eventually(t, func() bool { return fb.refreshCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestLoaderComposesSelectedEra(t *testing.T) {
	s, composer, fb, eras, tl := newTestSyncer(t, ProfileFor(ClassStandard))

	riku, ok := tl.EraAt(4)
	require.True(t, ok)
	eras.set(4, riku)

	s.OnViewportSettled(Viewport{Lat: 35.6415, Lng: 140.0485, Zoom: 15})
	s.Resync()

	loader := fb.lastLoader()
	require.NotNil(t, loader)
	tex, err := loader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ort_riku10", tex.LayerID)

	req, ok := composer.lastRequest()
	require.True(t, ok)
	assert.Equal(t, "ort_riku10", req.Layer.ID)
	require.NotNil(t, req.Fallback)
	assert.Equal(t, "gazo4", req.Fallback.ID)

	// Block centered on the viewport cell at zoom 15.
	assert.Equal(t, 3, req.Block.Span)
	assert.Equal(t, 15, req.Block.Origin.Zoom)
	assert.Equal(t, 29130, req.Block.Origin.Col)
	assert.Equal(t, 12906, req.Block.Origin.Row)
}

func TestZoomCappedByProfile(t *testing.T) {
	s, composer, fb, eras, tl := newTestSyncer(t, ProfileFor(ClassStandard))

	last := len(tl.Eras) - 1
	photo, _ := tl.EraAt(last)
	eras.set(last, photo)

	// seamlessphoto allows zoom 18 but the standard profile stops at 17.
	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 18})
	s.Resync()

	loader := fb.lastLoader()
	require.NotNil(t, loader)
	_, err := loader(context.Background())
	require.NoError(t, err)

	req, ok := composer.lastRequest()
	require.True(t, ok)
	assert.Equal(t, 17, req.Block.Origin.Zoom)
}

func TestZoomCappedByLayer(t *testing.T) {
	tl := &timeline.Timeline{
		Eras:   []timeline.Era{{ID: "low", Layer: "low"}},
		Layers: []timeline.Layer{{ID: "low", Ext: "jpg", MaxZoom: 12}},
	}
	require.NoError(t, tl.Validate())

	composer := &fakeComposer{}
	fb := &fakeBoard{}
	eras := &fakeEras{era: tl.Eras[0]}
	s := New(composer, fb, eras, tl, ProfileFor(ClassStandard), 30*time.Millisecond, zerolog.Nop())

	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 16})
	s.Resync()

	loader := fb.lastLoader()
	require.NotNil(t, loader)
	_, err := loader(context.Background())
	require.NoError(t, err)

	req, _ := composer.lastRequest()
	assert.Equal(t, 12, req.Block.Origin.Zoom)
}

func TestConstrainedProfile(t *testing.T) {
	s, composer, fb, _, _ := newTestSyncer(t, ProfileFor(ClassConstrained))

	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 18})
	s.Resync()

	loader := fb.lastLoader()
	require.NotNil(t, loader)
	tex, err := loader(context.Background())
	require.NoError(t, err)

	req, _ := composer.lastRequest()
	assert.Equal(t, 2, req.Block.Span)
	assert.Equal(t, 16, req.Block.Origin.Zoom)
	assert.Equal(t, 512, tex.Image.Bounds().Dx())
}

func TestConstrainedTextureSideCap(t *testing.T) {
	// A constrained cap combined with a wide span forces a downscale.
	profile := Profile{Span: 3, MaxZoom: 16, MaxTextureSide: 512}
	s, _, fb, _, _ := newTestSyncer(t, profile)

	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 16})
	s.Resync()

	loader := fb.lastLoader()
	require.NotNil(t, loader)
	tex, err := loader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 512, tex.Image.Bounds().Dx())
}

func TestViewportSettleDebounces(t *testing.T) {
	s, _, fb, _, _ := newTestSyncer(t, ProfileFor(ClassStandard))

	for i := 0; i < 5; i++ {
		s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341 + float64(i)*0.001, Zoom: 16})
	}

	assert.Eventually(t, func() bool { return fb.queueCount() == 1 }, time.Second, 5*time.Millisecond)

	// Give a late straggler time to prove there is none.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fb.queueCount(), "burst of settle events collapses into one resync")

	v, ok := s.Viewport()
	require.True(t, ok)
	assert.InDelta(t, 140.0381, v.Lng, 1e-9, "latest viewport wins")
}

func TestEraChangeResyncsImmediately(t *testing.T) {
	s, _, fb, _, tl := newTestSyncer(t, ProfileFor(ClassStandard))

	s.OnViewportSettled(Viewport{Lat: 35.6479, Lng: 140.0341, Zoom: 16})
	require.Eventually(t, func() bool { return fb.queueCount() == 1 }, time.Second, 5*time.Millisecond)

	s.OnEraChanged(1, tl.Eras[1])

	assert.Equal(t, 2, fb.queueCount(), "era change does not wait for the settle delay")
}

func TestProfileFor(t *testing.T) {
	standard := ProfileFor(ClassStandard)
	assert.Equal(t, 3, standard.Span)
	assert.Equal(t, 17, standard.MaxZoom)
	assert.Equal(t, 0, standard.MaxTextureSide)

	constrained := ProfileFor(ClassConstrained)
	assert.Equal(t, 2, constrained.Span)
	assert.Equal(t, 16, constrained.MaxZoom)
	assert.Equal(t, 512, constrained.MaxTextureSide)

	assert.Equal(t, standard, ProfileFor(DeviceClass("unknown")))
}
