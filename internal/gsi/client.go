// Package gsi fetches map tiles from the GSI (国土地理院) XYZ tile trees.
package gsi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"southmakuhari-history/internal/cache"
	"southmakuhari-history/internal/tiles"
)

const (
	// DefaultRoot is the public GSI tile root.
	DefaultRoot = "https://cyberjapandata.gsi.go.jp/xyz"

	// UserAgent identifies this application to the tile servers.
	UserAgent = "southmakuhari-history/1.0"
)

var (
	// ErrTileNotFound marks a tile the source does not have. The compositor
	// treats this as a normal condition, not a failure.
	ErrTileNotFound = errors.New("tile not found")

	// ErrRateLimited marks a 429 from the tile source.
	ErrRateLimited = errors.New("tile source rate limited")
)

// Client downloads tiles with a cache in front. A nil cache disables
// caching.
type Client struct {
	httpClient *http.Client
	root       string
	cache      *cache.TileCache
	logger     zerolog.Logger

	onRateLimited func()

	fetched   metric.Int64Counter
	cacheHits metric.Int64Counter
}

// NewClient creates a tile client with system proxy support. root may be
// empty to use the public GSI servers.
func NewClient(root string, timeout time.Duration, tileCache *cache.TileCache, logger zerolog.Logger) (*Client, error) {
	if root == "" {
		root = DefaultRoot
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		root:   root,
		cache:  tileCache,
		logger: logger,
	}

	m := meter()
	var err error

	c.fetched, err = m.Int64Counter(
		"gsi.tiles.fetched",
		metric.WithDescription("Tiles fetched from the source, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fetched counter: %w", err)
	}

	c.cacheHits, err = m.Int64Counter(
		"gsi.tiles.cache_hits",
		metric.WithDescription("Tile requests answered from cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache hit counter: %w", err)
	}

	return c, nil
}

// SetRateLimitHandler installs a callback invoked whenever the source
// answers 429.
func (c *Client) SetRateLimitHandler(fn func()) {
	c.onRateLimited = fn
}

// Root returns the configured tile root URL.
func (c *Client) Root() string {
	return c.root
}

// FetchTile returns the raw encoded bytes for one tile, from cache when
// possible. Missing tiles return ErrTileNotFound.
func (c *Client) FetchTile(ctx context.Context, layerID, ext string, cell tiles.Cell) ([]byte, error) {
	if c.cache != nil {
		if data, ok := c.cache.Get(layerID, cell.Zoom, cell.Col, cell.Row); ok {
			c.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layerID)))
			return data, nil
		}
	}

	tileURL := tiles.URL(c.root, layerID, ext, cell)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countFetch(ctx, layerID, "error")
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to the body read below.
	case http.StatusNotFound, http.StatusBadRequest:
		c.countFetch(ctx, layerID, "missing")
		return nil, fmt.Errorf("%s/%d/%d/%d: %w", layerID, cell.Zoom, cell.Col, cell.Row, ErrTileNotFound)
	case http.StatusTooManyRequests:
		c.countFetch(ctx, layerID, "rate_limited")
		c.logger.Warn().Str("layer", layerID).Msg("tile source rate limited")
		if c.onRateLimited != nil {
			c.onRateLimited()
		}
		return nil, ErrRateLimited
	default:
		c.countFetch(ctx, layerID, "error")
		return nil, fmt.Errorf("tile request failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.countFetch(ctx, layerID, "error")
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}
	if len(data) == 0 {
		c.countFetch(ctx, layerID, "error")
		return nil, fmt.Errorf("empty tile body for %s/%d/%d/%d", layerID, cell.Zoom, cell.Col, cell.Row)
	}

	c.countFetch(ctx, layerID, "ok")

	if c.cache != nil {
		if err := c.cache.Set(layerID, cell.Zoom, cell.Col, cell.Row, ext, data); err != nil {
			c.logger.Warn().Err(err).Str("layer", layerID).Msg("failed to cache tile")
		}
	}

	return data, nil
}

// Probe issues one uncached tile request and returns the HTTP status code.
// The rate limit recovery path uses it; a cache hit would say nothing about
// the source.
func (c *Client) Probe(ctx context.Context, layerID, ext string, cell tiles.Cell) (int, error) {
	tileURL := tiles.URL(c.root, layerID, ext, cell)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return resp.StatusCode, nil
}

// FetchImage fetches a tile and decodes it. The decoder is picked from the
// bytes, not the extension, since some trees serve mixed formats.
func (c *Client) FetchImage(ctx context.Context, layerID, ext string, cell tiles.Cell) (image.Image, error) {
	data, err := c.FetchTile(ctx, layerID, ext, cell)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile %s/%d/%d/%d: %w", layerID, cell.Zoom, cell.Col, cell.Row, err)
	}

	return img, nil
}

func (c *Client) countFetch(ctx context.Context, layerID, result string) {
	c.fetched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layerID),
		attribute.String("result", result),
	))
}
