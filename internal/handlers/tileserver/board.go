package tileserver

import (
	"bytes"
	"image/png"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/HugoSmits86/nativewebp"

	"southmakuhari-history/internal/composite"
)

// maxTextureSide bounds the ?size= rescale parameter.
const maxTextureSide = 4096

// handleBoardTexture serves the current board texture as PNG or WebP,
// optionally rescaled with ?size=. The X-Texture-Id header carries the
// texture id so the caller can match the bytes against the texture it was
// told to apply.
func (s *Server) handleBoardTexture(w http.ResponseWriter, r *http.Request) {
	if s.board == nil {
		http.Error(w, "board not available", http.StatusNotFound)
		return
	}

	tex := s.board.CurrentTexture()
	if tex == nil || tex.Image == nil {
		http.Error(w, "no board texture composed yet", http.StatusNotFound)
		return
	}

	img := tex.Image
	if sizeParam := r.URL.Query().Get("size"); sizeParam != "" {
		size, err := strconv.Atoi(sizeParam)
		if err != nil || size < 1 || size > maxTextureSide {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		img = composite.ScaleTo(img, size)
	}

	var buf bytes.Buffer
	var contentType string
	switch strings.TrimPrefix(path.Ext(r.URL.Path), ".") {
	case "webp":
		contentType = "image/webp"
		if err := nativewebp.Encode(&buf, img, nil); err != nil {
			http.Error(w, "failed to encode texture", http.StatusInternalServerError)
			return
		}
	default:
		contentType = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			http.Error(w, "failed to encode texture", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Texture-Id", tex.ID)
	w.Write(buf.Bytes())
}
