package composite

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southmakuhari-history/internal/tiles"
	"southmakuhari-history/internal/timeline"
)

// fakeFetcher answers from an in-memory tile set keyed by layer and cell.
type fakeFetcher struct {
	mu    sync.Mutex
	tiles map[string]color.RGBA
	calls int
}

func tileKey(layerID string, cell tiles.Cell) string {
	return fmt.Sprintf("%s/%d/%d/%d", layerID, cell.Zoom, cell.Col, cell.Row)
}

func (f *fakeFetcher) put(layerID string, cell tiles.Cell, c color.RGBA) {
	if f.tiles == nil {
		f.tiles = make(map[string]color.RGBA)
	}
	f.tiles[tileKey(layerID, cell)] = c
}

func (f *fakeFetcher) FetchImage(_ context.Context, layerID, _ string, cell tiles.Cell) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c, ok := f.tiles[tileKey(layerID, cell)]
	if !ok {
		return nil, fmt.Errorf("no tile at %s", tileKey(layerID, cell))
	}
	img := image.NewRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize))
	for y := 0; y < tiles.TileSize; y++ {
		for x := 0; x < tiles.TileSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

var (
	primaryLayer  = timeline.Layer{ID: "ort_riku10", Ext: "png", MaxZoom: 17}
	fallbackLayer = timeline.Layer{ID: "gazo4", Ext: "jpg", MaxZoom: 17}
)

func newTestLoader(t *testing.T, f Fetcher) *Loader {
	t.Helper()
	l, err := NewLoader(f, 4, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func testBlock(span int) tiles.Block {
	return tiles.Block{Origin: tiles.Cell{Col: 58259, Row: 25813, Zoom: 16}, Span: span}
}

func cellAt(block tiles.Block, dx, dy int) tiles.Cell {
	return tiles.Cell{Col: block.Origin.Col + dx, Row: block.Origin.Row + dy, Zoom: block.Origin.Zoom}
}

// pixelAt samples the texture at the top-left corner of a cell slot.
func pixelAt(tex *Texture, dx, dy int) color.RGBA {
	return tex.Image.RGBAAt(dx*tiles.TileSize+1, dy*tiles.TileSize+1)
}

func TestComposeAllPrimary(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(3)
	red := color.RGBA{R: 200, A: 255}
	for _, cell := range block.Cells() {
		f.put(primaryLayer.ID, cell, red)
	}

	l := newTestLoader(t, f)
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)

	require.NotNil(t, tex)
	assert.Equal(t, 768, tex.Image.Bounds().Dx())
	assert.Equal(t, 768, tex.Image.Bounds().Dy())
	assert.Len(t, tex.Cells, 9)
	for _, fill := range tex.Cells {
		assert.Equal(t, SourcePrimary, fill.Source)
	}
	assert.Equal(t, red, pixelAt(tex, 1, 1))
}

func TestComposeFallbackAtMissingCell(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(3)
	red := color.RGBA{R: 200, A: 255}
	blue := color.RGBA{B: 200, A: 255}

	center := cellAt(block, 1, 1)
	for _, cell := range block.Cells() {
		if cell != center {
			f.put(primaryLayer.ID, cell, red)
		}
	}
	f.put(fallbackLayer.ID, center, blue)

	l := newTestLoader(t, f)
	fb := fallbackLayer
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer, Fallback: &fb}, nil)

	// Provenance is row-major, so the center cell of a 3x3 block is index 4.
	assert.Equal(t, SourceFallback, tex.Cells[4].Source)
	assert.Equal(t, center, tex.Cells[4].Cell)
	assert.Equal(t, blue, pixelAt(tex, 1, 1))
	assert.Equal(t, red, pixelAt(tex, 0, 0))
}

func TestComposeAllMissingYieldsPlaceholder(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(3)

	l := newTestLoader(t, f)
	fb := fallbackLayer
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer, Fallback: &fb}, nil)

	require.NotNil(t, tex, "compose never fails outright")
	for _, fill := range tex.Cells {
		assert.Equal(t, SourcePlaceholder, fill.Source)
	}
	assert.Equal(t, Placeholder, pixelAt(tex, 0, 0))
	assert.Equal(t, Placeholder, pixelAt(tex, 2, 2))
}

func TestComposeMissingWithoutFallback(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(2)

	l := newTestLoader(t, f)
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)

	assert.Equal(t, 512, tex.Image.Bounds().Dx())
	assert.Len(t, tex.Cells, 4)
	for _, fill := range tex.Cells {
		assert.Equal(t, SourcePlaceholder, fill.Source)
	}
}

func TestComposeProgress(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(3)
	for _, cell := range block.Cells() {
		f.put(primaryLayer.ID, cell, color.RGBA{G: 128, A: 255})
	}

	var mu sync.Mutex
	var seen []int
	onProgress := func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 9, total)
		seen = append(seen, done)
	}

	l := newTestLoader(t, f)
	l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, onProgress)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 9)
	assert.Contains(t, seen, 9)
}

func TestComposeProvenanceRowMajor(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(2)
	for _, cell := range block.Cells() {
		f.put(primaryLayer.ID, cell, color.RGBA{A: 255})
	}

	l := newTestLoader(t, f)
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)

	require.Len(t, tex.Cells, 4)
	assert.Equal(t, cellAt(block, 0, 0), tex.Cells[0].Cell)
	assert.Equal(t, cellAt(block, 1, 0), tex.Cells[1].Cell)
	assert.Equal(t, cellAt(block, 0, 1), tex.Cells[2].Cell)
	assert.Equal(t, cellAt(block, 1, 1), tex.Cells[3].Cell)
}

func TestComposeTextureMetadata(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(1)

	l := newTestLoader(t, f)
	tex := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)

	assert.NotEmpty(t, tex.ID)
	assert.Equal(t, block, tex.Block)
	assert.Equal(t, primaryLayer.ID, tex.LayerID)
	assert.False(t, tex.CreatedAt.IsZero())
	assert.Equal(t, 256, tex.SideLength())
}

func TestComposeDistinctTextureIDs(t *testing.T) {
	f := &fakeFetcher{}
	block := testBlock(1)
	l := newTestLoader(t, f)

	a := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)
	b := l.Compose(context.Background(), Request{Block: block, Layer: primaryLayer}, nil)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestScaleTo(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 768, 768))
	got := ScaleTo(src, 512)
	assert.Equal(t, 512, got.Bounds().Dx())
	assert.Equal(t, 512, got.Bounds().Dy())
}

func TestScaleToSameSizeReturnsInput(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 512, 512))
	got := ScaleTo(src, 512)
	assert.Same(t, src, got)
}
