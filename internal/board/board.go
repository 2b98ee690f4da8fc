// Package board owns the immersive display of the composed texture: one
// persistent board mesh, one render surface, and at most one active XR
// session at a time.
package board

import (
	"context"
	"math"
	"time"

	"southmakuhari-history/internal/composite"
)

// Mode is an immersive session mode.
type Mode string

const (
	ModeAR Mode = "immersive-ar"
	ModeVR Mode = "immersive-vr"
)

// State is the manager lifecycle state.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "session-active"
)

// Pose positions the board relative to the viewer origin, in meters.
type Pose struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Board placement per mode. In AR the board sits close and slightly below
// eye level, like a model on a table; in VR it hangs farther out with the
// guide grid anchoring the space.
var (
	PoseAR = Pose{X: 0, Y: 1.05, Z: -0.85}
	PoseVR = Pose{X: 0, Y: 1.30, Z: -1.60}
)

// SessionOptions carries the feature requests for a new session.
type SessionOptions struct {
	RequiredFeatures []string
	OptionalFeatures []string
}

// Session is a live immersive session handle. The runtime may end it at
// any time; SetEndHandler registers the callback for that.
type Session interface {
	End() error
	SetEndHandler(func())
}

// Runtime abstracts the host's XR capability. Probing a mode that the
// host cannot do returns (false, nil); an error means the probe itself
// failed.
type Runtime interface {
	ModeSupported(ctx context.Context, mode Mode) (bool, error)
	RequestSession(ctx context.Context, mode Mode, opts SessionOptions) (Session, error)
}

// Surface abstracts the 3D render surface holding the board mesh, lights,
// and guide grid.
type Surface interface {
	SetVisible(visible bool)
	ApplyTexture(tex *composite.Texture) error
	ReleaseTexture(id string)
	SetBoardOpacity(opacity float64)
	SetBoardPose(pose Pose)
	SetGridVisible(visible bool)
	StartFrameLoop(onFrame func(elapsed time.Duration))
	StopFrameLoop()
	Release()
}

// TextureLoader produces the next board texture. Loaders are queued on
// the manager and consumed by RefreshTexture.
type TextureLoader func(ctx context.Context) (*composite.Texture, error)

// Breathing modulates the board opacity each frame so the surface reads
// as live rather than a static screenshot. Sine around a 0.92 base,
// amplitude 0.03, one cycle roughly every 10.5 seconds.
func Breathing(elapsed time.Duration) float64 {
	return 0.92 + 0.03*math.Sin(0.6*elapsed.Seconds())
}
