package tileserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"southmakuhari-history/internal/gsi"
	"southmakuhari-history/internal/tiles"
)

// transparentPNG is a 1x1 transparent PNG the map renderer stretches over
// cells with no imagery.
var transparentPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00,
	0x01, 0x03, 0x00, 0x00, 0x00, 0x66, 0xbc, 0x3a, 0x25, 0x00, 0x00, 0x00,
	0x03, 0x50, 0x4c, 0x54, 0x45, 0x00, 0x00, 0x00, 0xa7, 0x7a, 0x3d, 0xda,
	0x00, 0x00, 0x00, 0x01, 0x74, 0x52, 0x4e, 0x53, 0x00, 0x40, 0xe6, 0xd8,
	0x66, 0x00, 0x00, 0x00, 0x1f, 0x49, 0x44, 0x41, 0x54, 0x68, 0xde, 0xed,
	0xc1, 0x01, 0x0d, 0x00, 0x00, 0x00, 0xc2, 0xa0, 0xf7, 0x4f, 0x6d, 0x0e,
	0x37, 0xa0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xbe, 0x0d,
	0x21, 0x00, 0x00, 0x01, 0x9a, 0x60, 0xe1, 0xd5, 0x00, 0x00, 0x00, 0x00,
	0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// handleTile proxies one era tile, answering from the cache when possible.
// URL format: /tiles/{layer}/{z}/{x}/{y}
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil || s.client == nil {
		http.Error(w, "tile source unavailable", http.StatusServiceUnavailable)
		return
	}

	vars := mux.Vars(r)

	layer, ok := s.timeline.LayerByID(vars["layer"])
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}

	z, err := strconv.Atoi(vars["z"])
	if err != nil {
		http.Error(w, "invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(vars["x"])
	if err != nil {
		http.Error(w, "invalid column", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(vars["y"])
	if err != nil {
		http.Error(w, "invalid row", http.StatusBadRequest)
		return
	}
	if z > layer.MaxZoom {
		http.Error(w, "zoom above layer maximum", http.StatusBadRequest)
		return
	}

	if s.tiles != nil {
		if data, ok := s.tiles.Get(layer.ID, z, x, y); ok {
			s.writeTile(w, layer.Ext, "HIT", data)
			return
		}
	}

	data, err := s.client.FetchTile(r.Context(), layer.ID, layer.Ext, tiles.Cell{Col: x, Row: y, Zoom: z})
	if err != nil {
		// Missing and rate-limited tiles are already counted and reported
		// by the client; anything else is worth a warning here.
		if !errors.Is(err, gsi.ErrTileNotFound) && !errors.Is(err, gsi.ErrRateLimited) {
			s.logger.Warn().Err(err).
				Str("layer", layer.ID).
				Int("z", z).Int("x", x).Int("y", y).
				Msg("tile fetch failed")
		}
		s.serveTransparentTile(w)
		return
	}

	s.writeTile(w, layer.Ext, "MISS", data)
}

func (s *Server) writeTile(w http.ResponseWriter, ext, cacheStatus string, data []byte) {
	w.Header().Set("Content-Type", contentTypeForExt(ext))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Cache-Status", cacheStatus)
	w.Write(data)
}

func contentTypeForExt(ext string) string {
	if ext == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// serveTransparentTile answers with a transparent tile so the map shows the
// layers beneath instead of an error tile.
func (s *Server) serveTransparentTile(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(transparentPNG)
}
