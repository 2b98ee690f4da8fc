package tileserver

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southmakuhari-history/internal/cache"
	"southmakuhari-history/internal/coastline"
	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/gsi"
	"southmakuhari-history/internal/tiles"
	"southmakuhari-history/internal/timeline"
)

type fakeTextureSource struct {
	tex *composite.Texture
}

func (f *fakeTextureSource) CurrentTexture() *composite.Texture { return f.tex }

func newTestServer(t *testing.T, upstream http.HandlerFunc) (*Server, *fakeTextureSource) {
	t.Helper()

	src := httptest.NewServer(upstream)
	t.Cleanup(src.Close)

	tileCache, err := cache.New(t.TempDir(), 50, 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(tileCache.Close)

	client, err := gsi.NewClient(src.URL, 0, tileCache, zerolog.Nop())
	require.NoError(t, err)

	tl, err := timeline.Load("")
	require.NoError(t, err)

	coast, err := coastline.NewService(tl.Coastline, zerolog.Nop())
	require.NoError(t, err)

	board := &fakeTextureSource{}

	return NewServer(client, tileCache, board, coast, tl, zerolog.Nop()), board
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func boardTexture(side int) *composite.Texture {
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(img, img.Bounds(), &image.Uniform{composite.Placeholder}, image.Point{}, draw.Src)
	return &composite.Texture{
		ID:        "tex-1",
		Image:     img,
		Block:     tiles.Block{Origin: tiles.Cell{Col: 58259, Row: 25813, Zoom: 16}, Span: side / tiles.TileSize},
		LayerID:   "gazo1",
		CreatedAt: time.Now(),
	}
}

func TestTileProxyFetchesUpstream(t *testing.T) {
	payload := []byte("jpeg-bytes")
	var gotPath atomic.Value
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write(payload)
	})

	rec := get(t, s, "/tiles/gazo1/16/58260/25814")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/gazo1/16/58260/25814.jpg", gotPath.Load())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache-Status"))
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestTileProxySecondRequestHitsCache(t *testing.T) {
	var hits atomic.Int32
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("jpeg-bytes"))
	})

	first := get(t, s, "/tiles/gazo1/16/58260/25814")
	second := get(t, s, "/tiles/gazo1/16/58260/25814")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache-Status"))
	assert.Equal(t, "HIT", second.Header().Get("X-Cache-Status"))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
}

func TestTileProxyPNGLayerContentType(t *testing.T) {
	var gotPath atomic.Value
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write([]byte("png-bytes"))
	})

	rec := get(t, s, "/tiles/ort_riku10/15/29131/12907")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/ort_riku10/15/29131/12907.png", gotPath.Load())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestTileProxyUnknownLayer(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	})

	rec := get(t, s, "/tiles/nope/16/58260/25814")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTileProxyZoomAboveLayerCap(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	})

	// gazo1 tops out at zoom 17.
	rec := get(t, s, "/tiles/gazo1/18/116520/51628")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTileProxyNonNumericCoordsNotRouted(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	})

	rec := get(t, s, "/tiles/gazo1/abc/58260/25814")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTileProxyMissingTileServesTransparent(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	rec := get(t, s, "/tiles/gazo1/16/58260/25814")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, transparentPNG, rec.Body.Bytes())

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, img.Bounds().Dx())
}

func TestTileProxyUpstreamErrorServesTransparent(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	rec := get(t, s, "/tiles/gazo1/16/58260/25814")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, transparentPNG, rec.Body.Bytes())
}

func TestBoardTexturePNG(t *testing.T) {
	s, board := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	board.tex = boardTexture(512)

	rec := get(t, s, "/board/texture.png")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "tex-1", rec.Header().Get("X-Texture-Id"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())
}

func TestBoardTextureWebP(t *testing.T) {
	s, board := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	board.tex = boardTexture(512)

	rec := get(t, s, "/board/texture.webp")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Equal(t, "tex-1", rec.Header().Get("X-Texture-Id"))
	body := rec.Body.Bytes()
	require.Greater(t, len(body), 12)
	assert.Equal(t, "RIFF", string(body[:4]))
}

func TestBoardTextureResized(t *testing.T) {
	s, board := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	board.tex = boardTexture(512)

	rec := get(t, s, "/board/texture.png?size=256")

	require.Equal(t, http.StatusOK, rec.Code)
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}

func TestBoardTextureBadSize(t *testing.T) {
	s, board := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	board.tex = boardTexture(512)

	for _, size := range []string{"0", "-1", "abc", "9999"} {
		rec := get(t, s, "/board/texture.png?size="+size)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "size=%s", size)
	}
}

func TestBoardTextureNoneComposedYet(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := get(t, s, "/board/texture.png")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoastlineGeoJSON(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := get(t, s, "/coastline.geojson")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "FeatureCollection")
	assert.Contains(t, rec.Body.String(), "shoreline")
}

func TestTimelineJSON(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := get(t, s, "/timeline.json")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var tl timeline.Timeline
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tl))
	assert.Len(t, tl.Eras, 6)
	assert.NotEmpty(t, tl.Spots)
}

func TestStartServesOverLoopback(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})

	require.True(t, strings.HasPrefix(s.URL(), "http://127.0.0.1:"), "got %s", s.URL())

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/timeline.json", s.URL()), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "wails://wails")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
