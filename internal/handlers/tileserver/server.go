// Package tileserver runs the loopback HTTP server that feeds the embedded
// frontend: era tiles for the 2D map, the current board texture for the
// immersive view, and the coastline and timeline datasets.
package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"southmakuhari-history/internal/cache"
	"southmakuhari-history/internal/coastline"
	"southmakuhari-history/internal/composite"
	"southmakuhari-history/internal/gsi"
	"southmakuhari-history/internal/timeline"
)

// TextureSource yields the most recently applied board texture, if any.
// board.Manager satisfies this.
type TextureSource interface {
	CurrentTexture() *composite.Texture
}

// Server is the local tile and texture server. It binds a random loopback
// port so concurrent instances never collide.
type Server struct {
	client   *gsi.Client
	tiles    *cache.TileCache
	board    TextureSource
	coast    *coastline.Service
	timeline *timeline.Timeline
	logger   zerolog.Logger

	httpServer *http.Server
	url        string
}

// NewServer wires the server against its data sources. board and coast may
// be nil; the matching endpoints then answer 404.
func NewServer(client *gsi.Client, tileCache *cache.TileCache, board TextureSource, coast *coastline.Service, tl *timeline.Timeline, logger zerolog.Logger) *Server {
	return &Server{
		client:   client,
		tiles:    tileCache,
		board:    board,
		coast:    coast,
		timeline: tl,
		logger:   logger,
	}
}

// URL returns the base URL once Start has succeeded.
func (s *Server) URL() string {
	return s.url
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/tiles/{layer}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}", s.handleTile).Methods(http.MethodGet)
	r.HandleFunc("/board/texture.png", s.handleBoardTexture).Methods(http.MethodGet)
	r.HandleFunc("/board/texture.webp", s.handleBoardTexture).Methods(http.MethodGet)
	r.HandleFunc("/coastline.geojson", s.handleCoastline).Methods(http.MethodGet)
	r.HandleFunc("/timeline.json", s.handleTimeline).Methods(http.MethodGet)
	return r
}

// handler wraps the router with CORS. Wails serves the frontend from a
// wails:// origin on macOS and Linux, which needs explicit CORS headers.
func (s *Server) handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router())
}

// Start listens on a random loopback port and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.url = fmt.Sprintf("http://127.0.0.1:%d", port)

	s.httpServer = &http.Server{Handler: s.handler()}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("tile server stopped")
		}
	}()

	s.logger.Info().Str("url", s.url).Msg("tile server started")

	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Msg("tile server request")
	})
}
