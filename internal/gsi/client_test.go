package gsi

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southmakuhari-history/internal/cache"
	"southmakuhari-history/internal/tiles"
)

func newTestClient(t *testing.T, root string, tileCache *cache.TileCache) *Client {
	t.Helper()
	c, err := NewClient(root, 5*time.Second, tileCache, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFetchTileSuccess(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("tile-data"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	data, err := c.FetchTile(context.Background(), "gazo1", "jpg", tiles.Cell{Col: 58260, Row: 25814, Zoom: 16})
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-data"), data)
	assert.Equal(t, "/gazo1/16/58260/25814.jpg", gotPath)
	assert.Equal(t, UserAgent, gotUA)
}

func TestFetchTileServedFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("cached-tile"))
	}))
	defer srv.Close()

	tileCache, err := cache.New(t.TempDir(), 10, 30, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tileCache.Close)

	c := newTestClient(t, srv.URL, tileCache)
	cell := tiles.Cell{Col: 910, Row: 403, Zoom: 10}

	first, err := c.FetchTile(context.Background(), "gazo2", "jpg", cell)
	require.NoError(t, err)
	second, err := c.FetchTile(context.Background(), "gazo2", "jpg", cell)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), hits.Load(), "second fetch should not hit the server")
}

func TestFetchTileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.FetchTile(context.Background(), "ort_riku10", "png", tiles.Cell{Col: 1, Row: 1, Zoom: 1})
	assert.ErrorIs(t, err, ErrTileNotFound)
}

func TestFetchTileRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var notified atomic.Bool
	c.SetRateLimitHandler(func() { notified.Store(true) })

	_, err := c.FetchTile(context.Background(), "seamlessphoto", "jpg", tiles.Cell{Zoom: 0})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, notified.Load())
}

func TestFetchTileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.FetchTile(context.Background(), "gazo1", "jpg", tiles.Cell{Zoom: 0})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTileNotFound)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestFetchImageDecodes(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	img, err := c.FetchImage(context.Background(), "ort_riku10", "png", tiles.Cell{Col: 0, Row: 0, Zoom: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
}

func TestFetchImageBadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.FetchImage(context.Background(), "gazo1", "jpg", tiles.Cell{Zoom: 0})
	assert.Error(t, err)
}

func TestFetchTileContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchTile(ctx, "gazo1", "jpg", tiles.Cell{Zoom: 0})
	assert.Error(t, err)
}

func TestProbeBypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tileCache, err := cache.New(t.TempDir(), 10, 30, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tileCache.Close)

	c := newTestClient(t, srv.URL, tileCache)
	cell := tiles.Cell{Col: 58260, Row: 25814, Zoom: 16}

	status, err := c.Probe(context.Background(), "seamlessphoto", "jpg", cell)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, err = c.Probe(context.Background(), "seamlessphoto", "jpg", cell)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, int64(2), hits.Load(), "probes must always reach the server")
}
