package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"southmakuhari-history/internal/composite"
)

// ErrNoActiveSession marks operations that need a live session.
var ErrNoActiveSession = errors.New("no active immersive session")

// ErrDisposed marks use of a manager after Dispose.
var ErrDisposed = errors.New("board manager disposed")

type queuedLoader struct {
	loader TextureLoader
	seq    uint64
}

// Manager runs the board lifecycle. All public methods are safe for
// concurrent use.
type Manager struct {
	runtime Runtime
	surface Surface
	logger  zerolog.Logger

	mu         sync.Mutex
	state      State
	mode       Mode
	session    Session
	queued     *queuedLoader
	nextSeq    uint64
	appliedSeq uint64
	current    *composite.Texture
	disposed   bool

	// refreshMu serializes whole refresh cycles so applies land in the
	// order the loaders were consumed.
	refreshMu sync.Mutex

	sessions  metric.Int64Counter
	refreshes metric.Int64Counter
	active    metric.Int64ObservableGauge
}

// NewManager wires a manager over the host runtime and render surface.
func NewManager(runtime Runtime, surface Surface, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		runtime: runtime,
		surface: surface,
		logger:  logger,
		state:   StateIdle,
	}

	mt := meter()
	var err error

	m.sessions, err = mt.Int64Counter(
		"board.sessions.entered",
		metric.WithDescription("Immersive sessions entered, by mode"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session counter: %w", err)
	}

	m.refreshes, err = mt.Int64Counter(
		"board.texture.refreshes",
		metric.WithDescription("Texture refresh attempts, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating refresh counter: %w", err)
	}

	m.active, err = mt.Int64ObservableGauge(
		"board.session.active",
		metric.WithDescription("1 while an immersive session is active"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating active session gauge: %w", err)
	}

	_, err = mt.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			m.mu.Lock()
			var active int64
			if m.state == StateActive {
				active = 1
			}
			m.mu.Unlock()
			o.ObserveInt64(m.active, active)
			return nil
		},
		m.active,
	)
	if err != nil {
		return nil, fmt.Errorf("registering active session gauge: %w", err)
	}

	return m, nil
}

// DetectSupportedModes probes AR and VR support independently. A probe
// error is logged and counts as unsupported; a host with no XR facility
// at all simply yields the empty set.
func (m *Manager) DetectSupportedModes(ctx context.Context) []Mode {
	modes := make([]Mode, 0, 2)
	for _, mode := range []Mode{ModeAR, ModeVR} {
		ok, err := m.runtime.ModeSupported(ctx, mode)
		if err != nil {
			m.logger.Warn().Err(err).Str("mode", string(mode)).Msg("mode support probe failed")
			continue
		}
		if ok {
			modes = append(modes, mode)
		}
	}
	return modes
}

// QueueTextureLoader stores the next texture producer, replacing any
// loader already queued. The returned sequence number increases with
// every call.
func (m *Manager) QueueTextureLoader(loader TextureLoader) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	m.queued = &queuedLoader{loader: loader, seq: m.nextSeq}

	return m.nextSeq
}

// HasQueuedLoader reports whether a loader is waiting for the next
// refresh.
func (m *Manager) HasQueuedLoader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued != nil
}

// CurrentTexture returns the texture currently bound to the board, or
// nil.
func (m *Manager) CurrentTexture() *composite.Texture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RefreshTexture consumes the queued loader, runs it, and applies the
// result to the board. Without an active session it does nothing and the
// loader stays queued for session entry. Loader failures are logged and
// swallowed; the board keeps its previous texture.
func (m *Manager) RefreshTexture(ctx context.Context) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	if m.disposed || m.state != StateActive || m.queued == nil {
		m.mu.Unlock()
		m.countRefresh(ctx, "noop")
		return
	}
	job := m.queued
	m.queued = nil
	m.mu.Unlock()

	tex, err := job.loader(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("texture load failed, keeping previous board texture")
		m.countRefresh(ctx, "error")
		return
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.countRefresh(ctx, "noop")
		return
	}
	if job.seq < m.appliedSeq {
		// A newer texture is already on the board.
		m.mu.Unlock()
		m.countRefresh(ctx, "stale")
		return
	}
	previous := m.current
	m.mu.Unlock()

	if err := m.surface.ApplyTexture(tex); err != nil {
		m.logger.Warn().Err(err).Msg("texture apply failed, keeping previous board texture")
		m.countRefresh(ctx, "error")
		return
	}

	m.mu.Lock()
	m.current = tex
	m.appliedSeq = job.seq
	m.mu.Unlock()

	if previous != nil {
		m.surface.ReleaseTexture(previous.ID)
	}

	m.logger.Debug().Str("texture", tex.ID).Str("layer", tex.LayerID).Msg("board texture applied")
	m.countRefresh(ctx, "applied")
}

// Enter starts a session in the given mode, ending any active session
// first. On success the surface becomes visible, the board is re-posed
// for the mode, a texture refresh is kicked off, and the per-frame loop
// starts.
func (m *Manager) Enter(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	active := m.session
	m.mu.Unlock()

	if active != nil {
		if err := m.EndSession(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to end previous session before entry")
		}
	}

	session, err := m.runtime.RequestSession(ctx, mode, SessionOptions{
		RequiredFeatures: []string{"local-floor"},
		OptionalFeatures: []string{"bounded-floor", "hand-tracking"},
	})
	if err != nil {
		return fmt.Errorf("failed to enter %s: %w", mode, err)
	}

	session.SetEndHandler(func() { m.handleSessionEnd("external") })

	m.mu.Lock()
	m.session = session
	m.mode = mode
	m.state = StateActive
	m.mu.Unlock()

	m.surface.SetVisible(true)
	if mode == ModeAR {
		m.surface.SetBoardPose(PoseAR)
		m.surface.SetGridVisible(false)
	} else {
		m.surface.SetBoardPose(PoseVR)
		m.surface.SetGridVisible(true)
	}

	go m.RefreshTexture(context.Background())

	m.surface.StartFrameLoop(func(elapsed time.Duration) {
		m.surface.SetBoardOpacity(Breathing(elapsed))
	})

	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	m.logger.Info().Str("mode", string(mode)).Msg("immersive session started")

	return nil
}

// EndSession ends the active session from the application side.
func (m *Manager) EndSession() error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return ErrNoActiveSession
	}

	err := session.End()
	m.handleSessionEnd("app")
	return err
}

// handleSessionEnd resets the manager to idle. It is reachable from both
// the application exit path and the runtime's own end event, in either
// order, and tolerates running twice for the same session.
func (m *Manager) handleSessionEnd(origin string) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	mode := m.mode
	m.session = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.surface.StopFrameLoop()
	m.surface.SetVisible(false)

	m.logger.Info().Str("mode", string(mode)).Str("origin", origin).Msg("immersive session ended")
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveMode returns the mode of the running session, if any.
func (m *Manager) ActiveMode() (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return "", false
	}
	return m.mode, true
}

// Dispose tears everything down: render loop, session, board resources,
// surface. Safe to call repeatedly and from an already torn-down host.
func (m *Manager) Dispose() {
	m.mu.Lock()
	session := m.session
	alreadyDisposed := m.disposed
	m.session = nil
	m.state = StateIdle
	m.queued = nil
	m.current = nil
	m.disposed = true
	m.mu.Unlock()

	if alreadyDisposed {
		return
	}

	m.surface.StopFrameLoop()
	if session != nil {
		if err := session.End(); err != nil {
			m.logger.Debug().Err(err).Msg("session end during dispose")
		}
	}
	m.surface.SetVisible(false)
	m.surface.Release()

	m.logger.Info().Msg("board manager disposed")
}

func (m *Manager) countRefresh(ctx context.Context, result string) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
