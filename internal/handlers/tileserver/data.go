package tileserver

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// handleCoastline serves the historical coastline as GeoJSON for the 2D
// map overlay.
func (s *Server) handleCoastline(w http.ResponseWriter, r *http.Request) {
	if s.coast == nil {
		http.Error(w, "coastline data unavailable", http.StatusNotFound)
		return
	}

	data, err := s.coast.GeoJSON()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build coastline geojson")
		http.Error(w, "failed to build coastline geojson", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

// handleTimeline serves the era and spot dataset the frontend builds its
// timeline slider from.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil {
		http.Error(w, "timeline unavailable", http.StatusNotFound)
		return
	}

	data, err := json.Marshal(s.timeline)
	if err != nil {
		http.Error(w, "failed to encode timeline", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}
