package fade

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeMap struct {
	mu     sync.Mutex
	layers map[string]float64
	sets   int
}

func newFakeMap(layers ...string) *fakeMap {
	m := &fakeMap{layers: make(map[string]float64)}
	for _, id := range layers {
		m.layers[id] = 0
	}
	return m
}

func (m *fakeMap) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.layers[id]
	return ok
}

func (m *fakeMap) GetOpacity(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers[id]
}

func (m *fakeMap) SetOpacity(id string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[id] = value
	m.sets++
}

func (m *fakeMap) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func newTestAnimator(m Map) *Animator {
	return NewAnimator(m, 80*time.Millisecond, 5*time.Millisecond, zerolog.Nop())
}

func TestEaseCurve(t *testing.T) {
	assert.InDelta(t, 0.0, Ease(0), 1e-12)
	assert.InDelta(t, 0.125, Ease(0.25), 1e-12)
	assert.InDelta(t, 0.5, Ease(0.5), 1e-12)
	assert.InDelta(t, 0.875, Ease(0.75), 1e-12)
	assert.InDelta(t, 1.0, Ease(1), 1e-12)
}

func TestEaseClamps(t *testing.T) {
	assert.Equal(t, 0.0, Ease(-0.5))
	assert.Equal(t, 1.0, Ease(1.5))
}

func TestAnimateReachesTarget(t *testing.T) {
	m := newFakeMap("gazo1")
	a := newTestAnimator(m)

	a.Animate("gazo1", 1.0)

	assert.Eventually(t, func() bool {
		return m.GetOpacity("gazo1") == 1.0
	}, time.Second, 5*time.Millisecond, "fade should snap exactly to the target")
	assert.Eventually(t, func() bool { return a.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAnimatePassesThroughIntermediateValues(t *testing.T) {
	m := newFakeMap("gazo1")
	a := NewAnimator(m, 500*time.Millisecond, 5*time.Millisecond, zerolog.Nop())

	a.Animate("gazo1", 1.0)

	assert.Eventually(t, func() bool {
		v := m.GetOpacity("gazo1")
		return v > 0 && v < 1
	}, 300*time.Millisecond, time.Millisecond)

	a.StopAll()
}

func TestAnimateSmallDeltaAppliesDirectly(t *testing.T) {
	m := newFakeMap("gazo1")
	m.SetOpacity("gazo1", 0.6)
	before := m.setCount()

	a := newTestAnimator(m)
	a.Animate("gazo1", 0.6005)

	// Applied synchronously, in a single set, with no goroutine spawned.
	assert.Equal(t, 0.6005, m.GetOpacity("gazo1"))
	assert.Equal(t, before+1, m.setCount())
	assert.Equal(t, 0, a.Active())
}

func TestAnimateUnknownLayerIgnored(t *testing.T) {
	m := newFakeMap("gazo1")
	a := newTestAnimator(m)

	a.Animate("nope", 1.0)

	assert.Equal(t, 0, a.Active())
	assert.Equal(t, 0, m.setCount())
}

func TestAnimateClampsTarget(t *testing.T) {
	m := newFakeMap("gazo1")
	a := newTestAnimator(m)

	a.Animate("gazo1", 1.8)

	assert.Eventually(t, func() bool {
		return m.GetOpacity("gazo1") == 1.0
	}, time.Second, 5*time.Millisecond)
}

func TestAnimateReplacesRunningFade(t *testing.T) {
	m := newFakeMap("gazo1")
	a := NewAnimator(m, 400*time.Millisecond, 5*time.Millisecond, zerolog.Nop())

	a.Animate("gazo1", 1.0)

	// Let the first fade make some progress, then reverse it.
	assert.Eventually(t, func() bool {
		return m.GetOpacity("gazo1") > 0.05
	}, time.Second, time.Millisecond)

	a.Animate("gazo1", 0.0)

	assert.Eventually(t, func() bool {
		return m.GetOpacity("gazo1") == 0.0
	}, 2*time.Second, 5*time.Millisecond, "replacement fade should win")
	assert.Eventually(t, func() bool { return a.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentFadesOnDifferentLayers(t *testing.T) {
	m := newFakeMap("gazo1", "gazo2")
	a := newTestAnimator(m)

	a.Animate("gazo1", 1.0)
	a.Animate("gazo2", 0.65)

	assert.Eventually(t, func() bool {
		return m.GetOpacity("gazo1") == 1.0 && m.GetOpacity("gazo2") == 0.65
	}, time.Second, 5*time.Millisecond)
}

func TestStopAll(t *testing.T) {
	m := newFakeMap("gazo1", "gazo2")
	a := NewAnimator(m, time.Minute, 5*time.Millisecond, zerolog.Nop())

	a.Animate("gazo1", 1.0)
	a.Animate("gazo2", 1.0)
	assert.Equal(t, 2, a.Active())

	a.StopAll()
	assert.Equal(t, 0, a.Active())

	// Neither layer should have snapped to its target.
	assert.Less(t, m.GetOpacity("gazo1"), 1.0)
	assert.Less(t, m.GetOpacity("gazo2"), 1.0)
}
