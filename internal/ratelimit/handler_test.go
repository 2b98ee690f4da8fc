package ratelimit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h := NewHandler(nil, zerolog.Nop())
	t.Cleanup(h.Close)
	return h
}

func TestCheckStatusDetectsLimiting(t *testing.T) {
	h := newTestHandler(t)

	assert.False(t, h.CheckStatus(SourceGSI, 200))
	assert.False(t, h.IsRateLimited(SourceGSI))

	assert.True(t, h.CheckStatus(SourceGSI, 429))
	assert.True(t, h.IsRateLimited(SourceGSI))
}

func TestRecoveryOnSuccess(t *testing.T) {
	h := newTestHandler(t)

	var recovered atomic.Bool
	h.SetOnRecovered(func(source string) {
		if source == SourceGSI {
			recovered.Store(true)
		}
	})

	h.Record(SourceGSI, 429)
	require.True(t, h.IsRateLimited(SourceGSI))

	h.CheckStatus(SourceGSI, 200)
	assert.False(t, h.IsRateLimited(SourceGSI))
	assert.Eventually(t, recovered.Load, time.Second, 10*time.Millisecond)
}

func TestRepeatHitsEscalateBackoff(t *testing.T) {
	h := newTestHandler(t)

	h.Record(SourceGSI, 429)
	first := h.State(SourceGSI)
	require.NotNil(t, first)
	assert.Equal(t, 0, first.RetryAttempt)

	h.Record(SourceGSI, 429)
	second := h.State(SourceGSI)
	require.NotNil(t, second)
	assert.Equal(t, 1, second.RetryAttempt)
	assert.True(t, second.NextRetryAt.After(first.NextRetryAt))
}

func TestBackoffCapsAtLastInterval(t *testing.T) {
	h := newTestHandler(t)

	for i := 0; i < 8; i++ {
		h.Record(SourceGSI, 429)
	}

	state := h.State(SourceGSI)
	require.NotNil(t, state)
	assert.Equal(t, 7, state.RetryAttempt)
	// Intervals list has 5 entries; everything past it uses the last one.
	assert.InDelta(t, 30*time.Minute, time.Until(state.NextRetryAt), float64(time.Minute))
}

func TestManualRetryClearsState(t *testing.T) {
	h := newTestHandler(t)

	var retried atomic.Bool
	h.SetOnRetry(func(Event) { retried.Store(true) })

	h.Record(SourceGSI, 429)
	h.ManualRetry(SourceGSI)

	assert.False(t, h.IsRateLimited(SourceGSI))
	assert.Eventually(t, retried.Load, time.Second, 10*time.Millisecond)
}

func TestManualRetryWithoutLimitIsNoop(t *testing.T) {
	h := newTestHandler(t)

	var retried atomic.Bool
	h.SetOnRetry(func(Event) { retried.Store(true) })

	h.ManualRetry(SourceGSI)

	assert.False(t, retried.Load())
}

func TestOnRateLimitCallback(t *testing.T) {
	h := newTestHandler(t)

	var gotStatus atomic.Int64
	h.SetOnRateLimit(func(e Event) { gotStatus.Store(int64(e.StatusCode)) })

	h.Record(SourceGSI, 429)

	assert.Eventually(t, func() bool { return gotStatus.Load() == 429 }, time.Second, 10*time.Millisecond)
}

func TestStateReturnsCopy(t *testing.T) {
	h := newTestHandler(t)

	h.Record(SourceGSI, 429)

	state := h.State(SourceGSI)
	require.NotNil(t, state)
	state.RetryAttempt = 99

	fresh := h.State(SourceGSI)
	assert.Equal(t, 0, fresh.RetryAttempt)
}
