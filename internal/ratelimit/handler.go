// Package ratelimit tracks rate limit state for the tile source and
// schedules backoff retries.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SourceGSI is the only tile source this build talks to.
const SourceGSI = "gsi"

// RetryStrategy defines the backoff intervals between retries.
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy returns the default stepped backoff.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			5 * time.Minute,
			10 * time.Minute,
			15 * time.Minute,
			20 * time.Minute,
			30 * time.Minute,
		},
		MaxRetries: 10,
	}
}

// Event represents one rate limit occurrence.
type Event struct {
	Timestamp    time.Time `json:"timestamp" ts_type:"string"`
	Source       string    `json:"source"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt" ts_type:"string"`
	Message      string    `json:"message"`
}

// Handler manages rate limit detection and retry scheduling.
type Handler struct {
	mu               sync.RWMutex
	rateLimited      map[string]*Event
	strategy         *RetryStrategy
	logger           zerolog.Logger
	onRateLimit      func(event Event)
	onRetry          func(event Event)
	onRecovered      func(source string)
	autoRetryEnabled bool
	ctx              context.Context
	cancel           context.CancelFunc
}

// NewHandler creates a rate limit handler. A nil strategy uses the default.
func NewHandler(strategy *RetryStrategy, logger zerolog.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Handler{
		rateLimited:      make(map[string]*Event),
		strategy:         strategy,
		logger:           logger,
		autoRetryEnabled: true,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// SetOnRateLimit sets the callback for new rate limit events.
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRetry sets the callback for retry attempts.
func (h *Handler) SetOnRetry(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetry = callback
}

// SetOnRecovered sets the callback for recovery.
func (h *Handler) SetOnRecovered(callback func(source string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited reports whether a source is currently limited.
func (h *Handler) IsRateLimited(source string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[source]
	return limited
}

// CheckStatus inspects a response status code. Limiting codes are recorded
// and return true; anything else clears a previous limit.
func (h *Handler) CheckStatus(source string, statusCode int) bool {
	limited := statusCode == 429 || statusCode == 403 || statusCode == 509
	if !limited {
		h.checkRecovery(source)
		return false
	}

	h.Record(source, statusCode)
	return true
}

// Record registers a rate limit hit and schedules the next retry.
func (h *Handler) Record(source string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[source]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	var interval time.Duration
	if retryAttempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[retryAttempt]
	} else {
		interval = h.strategy.Intervals[len(h.strategy.Intervals)-1]
	}

	nextRetryAt := time.Now().Add(interval)

	event := Event{
		Timestamp:    time.Now(),
		Source:       source,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  nextRetryAt,
		Message:      buildMessage(statusCode, retryAttempt, nextRetryAt),
	}

	h.rateLimited[source] = &event

	h.logger.Warn().
		Str("source", source).
		Int("status", statusCode).
		Int("attempt", retryAttempt).
		Time("nextRetryAt", nextRetryAt).
		Msg("rate limited")

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}

	if h.autoRetryEnabled && retryAttempt < h.strategy.MaxRetries {
		go h.scheduleRetry(source, event)
	}
}

func (h *Handler) scheduleRetry(source string, event Event) {
	select {
	case <-time.After(time.Until(event.NextRetryAt)):
		h.mu.Lock()
		current, exists := h.rateLimited[source]
		if !exists || current.Timestamp != event.Timestamp {
			// Already cleared or replaced by a newer event.
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		h.logger.Info().Str("source", source).Msg("rate limit retry window open")

		if h.onRetry != nil {
			go h.onRetry(event)
		}

		// The actual retry happens on the next fetch. Callers gate on
		// IsRateLimited before issuing requests.

	case <-h.ctx.Done():
		return
	}
}

func (h *Handler) checkRecovery(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rateLimited[source]; exists {
		delete(h.rateLimited, source)
		h.logger.Info().Str("source", source).Msg("rate limit cleared")

		if h.onRecovered != nil {
			go h.onRecovered(source)
		}
	}
}

// ManualRetry clears the limit for a source so the next fetch proceeds.
func (h *Handler) ManualRetry(source string) {
	h.mu.Lock()
	event, exists := h.rateLimited[source]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(h.rateLimited, source)
	h.mu.Unlock()

	h.logger.Info().Str("source", source).Msg("manual retry requested")

	if h.onRetry != nil {
		go h.onRetry(*event)
	}
}

// SetAutoRetry enables or disables automatic retries.
func (h *Handler) SetAutoRetry(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoRetryEnabled = enabled
}

// State returns a copy of the current event for a source, or nil.
func (h *Handler) State(source string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[source]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(statusCode, retryAttempt int, nextRetryAt time.Time) string {
	minutes := int(time.Until(nextRetryAt).Minutes())

	if retryAttempt == 0 {
		return fmt.Sprintf(
			"GSI tile server rate limit detected (HTTP %d). Tile loading paused.\n\n"+
				"Automatic retry in %d minutes, or use 'Retry Now' to try immediately.",
			statusCode, minutes)
	}
	return fmt.Sprintf(
		"GSI tile server still rate limited (retry attempt %d).\n\n"+
			"Next automatic retry in %d minutes.",
		retryAttempt+1, minutes)
}

// Close shuts down pending retry timers.
func (h *Handler) Close() {
	h.cancel()
}
