// Package composite assembles a block of tiles into one board texture.
// Every cell resolves to something: the era's primary layer, its fallback
// layer, or a flat placeholder, so a compose call always yields a usable
// image no matter how many source tiles are missing.
package composite

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"southmakuhari-history/internal/tiles"
	"southmakuhari-history/internal/timeline"
)

// Placeholder is the fill for cells with no imagery in either layer. The
// warm grey reads as paper rather than a hard error on the board.
var Placeholder = color.RGBA{R: 0xE6, G: 0xE3, B: 0xDC, A: 0xFF}

// Source says where a cell's pixels came from.
type Source string

const (
	SourcePrimary     Source = "primary"
	SourceFallback    Source = "fallback"
	SourcePlaceholder Source = "placeholder"
)

// CellFill records the provenance of one cell in a composed texture.
type CellFill struct {
	Cell   tiles.Cell `json:"cell"`
	Source Source     `json:"source"`
}

// Texture is a finished board image plus its provenance.
type Texture struct {
	ID        string      `json:"id"`
	Image     *image.RGBA `json:"-"`
	Block     tiles.Block `json:"block"`
	LayerID   string      `json:"layerId"`
	Cells     []CellFill  `json:"cells"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SideLength returns the pixel width (and height) of the texture.
func (t *Texture) SideLength() int {
	return t.Block.Span * tiles.TileSize
}

// Fetcher supplies decoded tile images. gsi.Client satisfies this.
type Fetcher interface {
	FetchImage(ctx context.Context, layerID, ext string, cell tiles.Cell) (image.Image, error)
}

// Request describes one compose job.
type Request struct {
	Block    tiles.Block
	Layer    timeline.Layer
	Fallback *timeline.Layer
}

// Loader runs compose jobs over a bounded worker pool.
type Loader struct {
	fetcher Fetcher
	workers int
	logger  zerolog.Logger

	composed    metric.Int64Counter
	cellsFilled metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewLoader creates a compose loader. workers bounds concurrent tile
// fetches per job.
func NewLoader(fetcher Fetcher, workers int, logger zerolog.Logger) (*Loader, error) {
	if workers < 1 {
		workers = 1
	}

	l := &Loader{
		fetcher: fetcher,
		workers: workers,
		logger:  logger,
	}

	m := meter()
	var err error

	l.composed, err = m.Int64Counter(
		"composite.textures.composed",
		metric.WithDescription("Board textures composed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating composed counter: %w", err)
	}

	l.cellsFilled, err = m.Int64Counter(
		"composite.cells.filled",
		metric.WithDescription("Cells filled, by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cell counter: %w", err)
	}

	l.duration, err = m.Float64Histogram(
		"composite.compose.duration_ms",
		metric.WithDescription("Wall time of one compose job"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return l, nil
}

type cellResult struct {
	cell   tiles.Cell
	img    image.Image
	source Source
}

// Compose fetches every cell of the block concurrently and stitches the
// results. It never fails: cells without imagery get the placeholder fill.
// onProgress, when set, is called after each cell resolves.
func (l *Loader) Compose(ctx context.Context, req Request, onProgress func(done, total int)) *Texture {
	start := time.Now()

	if req.Block.Span < 1 {
		req.Block.Span = 1
	}

	cells := req.Block.Cells()
	total := len(cells)
	var done int64

	cellChan := make(chan tiles.Cell, total)
	resultChan := make(chan cellResult, total)

	workerCount := l.workers
	if total < workerCount {
		workerCount = total
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range cellChan {
				resultChan <- l.resolveCell(ctx, req, cell)
				if onProgress != nil {
					onProgress(int(atomic.AddInt64(&done, 1)), total)
				}
			}
		}()
	}

	go func() {
		for _, cell := range cells {
			cellChan <- cell
		}
		close(cellChan)
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	side := req.Block.Span * tiles.TileSize
	out := image.NewRGBA(image.Rect(0, 0, side, side))

	fills := make([]CellFill, 0, total)
	counts := map[Source]int{}

	for result := range resultChan {
		xOff := (result.cell.Col - req.Block.Origin.Col) * tiles.TileSize
		yOff := (result.cell.Row - req.Block.Origin.Row) * tiles.TileSize
		destRect := image.Rect(xOff, yOff, xOff+tiles.TileSize, yOff+tiles.TileSize)

		if result.source == SourcePlaceholder {
			draw.Draw(out, destRect, &image.Uniform{Placeholder}, image.Point{0, 0}, draw.Src)
		} else {
			draw.Draw(out, destRect, result.img, image.Point{0, 0}, draw.Src)
		}

		fills = append(fills, CellFill{Cell: result.cell, Source: result.source})
		counts[result.source]++
	}

	// Row-major order, same as Block.Cells.
	sortFills(fills, req.Block)

	for source, n := range counts {
		l.cellsFilled.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("layer", req.Layer.ID),
			attribute.String("source", string(source)),
		))
	}
	l.composed.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", req.Layer.ID)))
	l.duration.Record(ctx, float64(time.Since(start).Milliseconds()))

	l.logger.Debug().
		Str("layer", req.Layer.ID).
		Int("zoom", req.Block.Origin.Zoom).
		Int("span", req.Block.Span).
		Int("primary", counts[SourcePrimary]).
		Int("fallback", counts[SourceFallback]).
		Int("placeholder", counts[SourcePlaceholder]).
		Dur("elapsed", time.Since(start)).
		Msg("texture composed")

	return &Texture{
		ID:        uuid.NewString(),
		Image:     out,
		Block:     req.Block,
		LayerID:   req.Layer.ID,
		Cells:     fills,
		CreatedAt: time.Now(),
	}
}

// resolveCell walks the primary, fallback, placeholder chain for one cell.
func (l *Loader) resolveCell(ctx context.Context, req Request, cell tiles.Cell) cellResult {
	img, err := l.fetcher.FetchImage(ctx, req.Layer.ID, req.Layer.Ext, cell)
	if err == nil {
		return cellResult{cell: cell, img: img, source: SourcePrimary}
	}

	if req.Fallback != nil {
		fb, fbErr := l.fetcher.FetchImage(ctx, req.Fallback.ID, req.Fallback.Ext, cell)
		if fbErr == nil {
			l.logger.Debug().
				Str("layer", req.Layer.ID).
				Str("fallback", req.Fallback.ID).
				Int("col", cell.Col).
				Int("row", cell.Row).
				Msg("cell filled from fallback layer")
			return cellResult{cell: cell, img: fb, source: SourceFallback}
		}
	}

	return cellResult{cell: cell, source: SourcePlaceholder}
}

// sortFills orders provenance entries row-major relative to the block
// origin. Results arrive in completion order from the pool.
func sortFills(fills []CellFill, block tiles.Block) {
	index := func(c tiles.Cell) int {
		return (c.Row-block.Origin.Row)*block.Span + (c.Col - block.Origin.Col)
	}
	for i := 1; i < len(fills); i++ {
		for j := i; j > 0 && index(fills[j].Cell) < index(fills[j-1].Cell); j-- {
			fills[j], fills[j-1] = fills[j-1], fills[j]
		}
	}
}
