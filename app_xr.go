package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"southmakuhari-history/internal/board"
	"southmakuhari-history/internal/boardsync"
	"southmakuhari-history/internal/composite"
)

// frameInterval paces the board render loop events, a stand-in for the
// display refresh the frontend scene actually runs at.
const frameInterval = 16 * time.Millisecond

// xrBridge implements the board manager's runtime and surface contracts over
// Wails events. The XR session and the 3D scene live in the frontend; the
// bridge mirrors every surface command as an event and resolves session
// requests through bound reply methods.
type xrBridge struct {
	logger    zerolog.Logger
	serverURL func() string

	mu         sync.Mutex
	ctx        context.Context
	supported  map[board.Mode]bool
	pending    map[string]chan sessionReply
	endHandler func()
	activeID   string
	current    *composite.Texture
	frameStop  chan struct{}
}

type sessionReply struct {
	ok      bool
	message string
}

func newXRBridge(logger zerolog.Logger, serverURL func() string) *xrBridge {
	return &xrBridge{
		logger:    logger,
		serverURL: serverURL,
		supported: make(map[board.Mode]bool),
		pending:   make(map[string]chan sessionReply),
	}
}

// bind attaches the Wails context. Surface commands before bind are dropped.
func (b *xrBridge) bind(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
}

func (b *xrBridge) emit(event string, payload ...interface{}) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()

	if ctx != nil {
		wailsRuntime.EventsEmit(ctx, event, payload...)
	}
}

// setSupport records the frontend's capability probe results.
func (b *xrBridge) setSupport(ar, vr bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supported[board.ModeAR] = ar
	b.supported[board.ModeVR] = vr
}

// ModeSupported answers from the last frontend report. A frontend that
// never reported (or has no XR facility) reads as no support, not as an
// error.
func (b *xrBridge) ModeSupported(ctx context.Context, mode board.Mode) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supported[mode], nil
}

// RequestSession asks the frontend to start an XR session and blocks until
// it resolves the request or ctx is cancelled. No timeout of its own: the
// browser permission prompt can legitimately sit open for a long time.
func (b *xrBridge) RequestSession(ctx context.Context, mode board.Mode, opts board.SessionOptions) (board.Session, error) {
	b.mu.Lock()
	if b.ctx == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("frontend not connected")
	}
	requestID := uuid.NewString()
	reply := make(chan sessionReply, 1)
	b.pending[requestID] = reply
	b.mu.Unlock()

	b.emit("xr-session-request", map[string]interface{}{
		"requestId":        requestID,
		"mode":             string(mode),
		"requiredFeatures": opts.RequiredFeatures,
		"optionalFeatures": opts.OptionalFeatures,
	})

	select {
	case r := <-reply:
		if !r.ok {
			return nil, fmt.Errorf("session request rejected: %s", r.message)
		}
		return &xrSession{bridge: b, id: requestID}, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// resolveSession delivers the frontend's answer to a pending request.
// Unknown request ids are ignored.
func (b *xrBridge) resolveSession(requestID string, ok bool, message string) {
	b.mu.Lock()
	reply, exists := b.pending[requestID]
	delete(b.pending, requestID)
	b.mu.Unlock()

	if !exists {
		b.logger.Debug().Str("request", requestID).Msg("reply for unknown session request")
		return
	}
	reply <- sessionReply{ok: ok, message: message}
}

// notifySessionEnded fires the end handler of the named session. Stale
// notifications for sessions already replaced are dropped, so a late end
// event can never tear down a newer session.
func (b *xrBridge) notifySessionEnded(sessionID string) {
	b.mu.Lock()
	if sessionID != b.activeID {
		b.mu.Unlock()
		b.logger.Debug().Str("session", sessionID).Msg("end event for stale session")
		return
	}
	handler := b.endHandler
	b.endHandler = nil
	b.activeID = ""
	b.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// xrSession is the Go-side handle for a frontend XR session.
type xrSession struct {
	bridge *xrBridge
	id     string
}

func (s *xrSession) End() error {
	s.bridge.emit("xr-session-stop", map[string]interface{}{"sessionId": s.id})
	return nil
}

func (s *xrSession) SetEndHandler(fn func()) {
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	s.bridge.endHandler = fn
	s.bridge.activeID = s.id
}

// Surface implementation. Each command is one event; the frontend scene is
// the authority for actually rendering it.

func (b *xrBridge) SetVisible(visible bool) {
	b.emit("board-visible", map[string]interface{}{"visible": visible})
}

func (b *xrBridge) ApplyTexture(tex *composite.Texture) error {
	b.mu.Lock()
	if b.ctx == nil {
		b.mu.Unlock()
		return fmt.Errorf("frontend not connected")
	}
	b.current = tex
	b.mu.Unlock()

	// Report the side the texture endpoint will actually serve; a
	// constrained-profile texture may be downscaled below its block size.
	side := tex.SideLength()
	if tex.Image != nil {
		side = tex.Image.Bounds().Dx()
	}

	// The pixels travel over the local tile server rather than the event
	// bus; the version query defeats the frontend image cache.
	b.emit("board-texture", map[string]interface{}{
		"textureId": tex.ID,
		"layerId":   tex.LayerID,
		"side":      side,
		"url":       fmt.Sprintf("%s/board/texture.webp?v=%s", b.serverURL(), tex.ID),
	})
	return nil
}

func (b *xrBridge) ReleaseTexture(id string) {
	b.mu.Lock()
	if b.current != nil && b.current.ID == id {
		b.current = nil
	}
	b.mu.Unlock()

	b.emit("board-texture-release", map[string]interface{}{"textureId": id})
}

// CurrentTexture exposes the applied texture to the tile server's board
// endpoint.
func (b *xrBridge) CurrentTexture() *composite.Texture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *xrBridge) SetBoardOpacity(opacity float64) {
	b.emit("board-opacity", map[string]interface{}{"opacity": opacity})
}

func (b *xrBridge) SetBoardPose(pose board.Pose) {
	b.emit("board-pose", pose)
}

func (b *xrBridge) SetGridVisible(visible bool) {
	b.emit("board-grid", map[string]interface{}{"visible": visible})
}

func (b *xrBridge) StartFrameLoop(onFrame func(elapsed time.Duration)) {
	b.mu.Lock()
	if b.frameStop != nil {
		close(b.frameStop)
	}
	stop := make(chan struct{})
	b.frameStop = stop
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onFrame(time.Since(start))
			}
		}
	}()
}

func (b *xrBridge) StopFrameLoop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frameStop != nil {
		close(b.frameStop)
		b.frameStop = nil
	}
}

func (b *xrBridge) Release() {
	b.StopFrameLoop()

	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()

	b.emit("board-release")
}

// ===================
// Immersive Bindings
// ===================

// ImmersiveState is the board lifecycle snapshot for the frontend.
type ImmersiveState struct {
	State string `json:"state"`
	Mode  string `json:"mode,omitempty"`
}

// ReportXRCapabilities records the frontend's XR probe results. Call it
// before DetectSupportedModes; a host without WebXR simply never calls it.
func (a *App) ReportXRCapabilities(arSupported, vrSupported bool) {
	a.xr.setSupport(arSupported, vrSupported)
	a.logger.Info().Bool("ar", arSupported).Bool("vr", vrSupported).Msg("xr capabilities reported")
}

// ReportDeviceClass records the headset class the frontend detected and
// retunes the board compose profile, unless settings pin an override.
func (a *App) ReportDeviceClass(class string) error {
	switch boardsync.DeviceClass(class) {
	case boardsync.ClassStandard, boardsync.ClassConstrained:
	default:
		return fmt.Errorf("unknown device class: %s", class)
	}

	a.mu.Lock()
	a.deviceClass = boardsync.DeviceClass(class)
	a.mu.Unlock()

	if a.syncer != nil {
		a.syncer.SetProfile(a.currentProfile())
	}
	a.logger.Info().Str("class", class).Msg("device class reported")
	return nil
}

// DetectSupportedModes returns the immersive modes the host supports, empty
// when there are none.
func (a *App) DetectSupportedModes() []board.Mode {
	if a.boardMgr == nil {
		return []board.Mode{}
	}
	return a.boardMgr.DetectSupportedModes(a.ctx)
}

// EnterImmersive starts an AR or VR session. The error message is meant for
// the user: entry failures are surfaced, not swallowed.
func (a *App) EnterImmersive(mode string) error {
	if a.boardMgr == nil {
		return fmt.Errorf("immersive board unavailable")
	}

	m := board.Mode(mode)
	if m != board.ModeAR && m != board.ModeVR {
		return fmt.Errorf("unknown immersive mode: %s", mode)
	}

	if err := a.boardMgr.Enter(a.ctx, m); err != nil {
		return err
	}

	a.TrackEvent("immersive_entered", map[string]interface{}{"mode": mode})
	return nil
}

// ExitImmersive ends the active session from the application side.
func (a *App) ExitImmersive() error {
	if a.boardMgr == nil {
		return fmt.Errorf("immersive board unavailable")
	}
	return a.boardMgr.EndSession()
}

// GetImmersiveState reports the board lifecycle state and active mode.
func (a *App) GetImmersiveState() ImmersiveState {
	if a.boardMgr == nil {
		return ImmersiveState{State: string(board.StateIdle)}
	}

	state := ImmersiveState{State: string(a.boardMgr.State())}
	if mode, ok := a.boardMgr.ActiveMode(); ok {
		state.Mode = string(mode)
	}
	return state
}

// ResolveSessionRequest is called by the frontend to answer a pending
// xr-session-request event.
func (a *App) ResolveSessionRequest(requestID string, approved bool, message string) {
	a.xr.resolveSession(requestID, approved, message)
}

// NotifySessionEnded is called by the frontend when its XR session ends for
// any reason, including ends the engine itself asked for.
func (a *App) NotifySessionEnded(sessionID string) {
	a.xr.notifySessionEnded(sessionID)
}

// RefreshBoardTexture queues a fresh compose for the current viewport and
// era. Useful after the frontend recreates its scene.
func (a *App) RefreshBoardTexture() error {
	if a.syncer == nil {
		return fmt.Errorf("board sync unavailable")
	}
	a.syncer.Resync()
	return nil
}
