package main

import (
	"context"
	"net/http"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"southmakuhari-history/internal/config"
	"southmakuhari-history/internal/ratelimit"
	"southmakuhari-history/internal/tiles"
)

// wireRateLimits connects the tile client, the rate limit state machine, and
// the frontend events. Called once from startup.
func (a *App) wireRateLimits(ctx context.Context) {
	if a.rateLimits == nil {
		return
	}

	if a.client != nil {
		a.client.SetRateLimitHandler(func() {
			a.rateLimits.CheckStatus(ratelimit.SourceGSI, http.StatusTooManyRequests)
		})
	}

	a.rateLimits.SetOnRateLimit(func(event ratelimit.Event) {
		wailsRuntime.EventsEmit(ctx, "rate-limit", event)
	})
	a.rateLimits.SetOnRetry(func(event ratelimit.Event) {
		wailsRuntime.EventsEmit(ctx, "rate-limit-retry", event)
		go a.probeTileSource()
	})
	a.rateLimits.SetOnRecovered(func(source string) {
		wailsRuntime.EventsEmit(ctx, "rate-limit-recovered", map[string]interface{}{
			"source": source,
		})
	})
}

// probeTileSource issues one real tile request to learn whether the source
// recovered, and feeds the status back into the state machine.
func (a *App) probeTileSource() {
	if a.client == nil || a.timeline == nil || len(a.timeline.Layers) == 0 {
		return
	}

	spot, err := a.GetDefaultSpot()
	if err != nil {
		return
	}

	// The current-imagery layer covers every zoom the app uses, which makes
	// it a reliable canary.
	layer, ok := a.timeline.LayerByID("seamlessphoto")
	if !ok {
		layer = a.timeline.Layers[0]
	}

	zoom := tiles.ClampZoom(spot.Zoom, layer.MaxZoom)
	cell := tiles.CellForCoordinate(spot.Lat, spot.Lng, zoom)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := a.client.Probe(ctx, layer.ID, layer.Ext, cell)
	if err != nil {
		// Network trouble says nothing about the limit; keep waiting.
		a.logger.Debug().Err(err).Msg("rate limit probe failed")
		return
	}

	a.rateLimits.CheckStatus(ratelimit.SourceGSI, status)
}

// Rate Limit Management Functions (Wails-exported)

// ManualRetryRateLimit clears the limit immediately and probes the source
func (a *App) ManualRetryRateLimit() {
	if a.rateLimits == nil {
		return
	}
	a.rateLimits.ManualRetry(ratelimit.SourceGSI)
	go a.probeTileSource()
}

// GetRateLimitStatus returns the current rate limit state, or nil
func (a *App) GetRateLimitStatus() *ratelimit.Event {
	if a.rateLimits == nil {
		return nil
	}
	return a.rateLimits.State(ratelimit.SourceGSI)
}

// IsRateLimited reports whether the tile source is currently rate limited
func (a *App) IsRateLimited() bool {
	if a.rateLimits == nil {
		return false
	}
	return a.rateLimits.IsRateLimited(ratelimit.SourceGSI)
}

// SetAutoRetryRateLimit enables or disables automatic rate limit retries
func (a *App) SetAutoRetryRateLimit(enabled bool) error {
	if a.rateLimits != nil {
		a.rateLimits.SetAutoRetry(enabled)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings.AutoRetryOnRateLimit = enabled
	return config.SaveSettings(a.settings)
}

// Cache Management Functions (Wails-exported)

// CacheStats represents cache statistics for frontend
type CacheStats struct {
	DiskEntries   int     `json:"diskEntries"`
	MemoryEntries int     `json:"memoryEntries"`
	SizeBytes     int64   `json:"sizeBytes"`
	MaxBytes      int64   `json:"maxBytes"`
	SizeMB        float64 `json:"sizeMB"`
	MaxMB         float64 `json:"maxMB"`
	CachePath     string  `json:"cachePath"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.tileCache == nil {
		return CacheStats{}
	}

	stats := a.tileCache.Stats()

	return CacheStats{
		DiskEntries:   stats.DiskEntries,
		MemoryEntries: stats.MemoryEntries,
		SizeBytes:     stats.DiskSizeBytes,
		MaxBytes:      stats.DiskMaxBytes,
		SizeMB:        float64(stats.DiskSizeBytes) / 1024 / 1024,
		MaxMB:         float64(stats.DiskMaxBytes) / 1024 / 1024,
		CachePath:     a.tileCache.Dir(),
	}
}

// ClearCache removes all cached tiles
func (a *App) ClearCache() error {
	if a.tileCache != nil {
		return a.tileCache.Clear()
	}
	return nil
}
