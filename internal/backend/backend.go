// internal/backend/backend.go
// Package backend holds the typed adapters for the four robot backends: the
// arm control loop (streaming socket), the base server (request/reply), the
// gripper controller (request/reply) and the cameras (byte streams).  The
// wire protocols are opaque to the rest of the gateway; adapters expose typed
// requests plus a non-blocking Status/State view, and every command issued
// while disconnected fails with ErrUnavailable rather than taking the
// gateway down.
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// ErrUnavailable marks a command attempted against a disconnected backend.
var ErrUnavailable = errors.New("backend_unavailable")

// Status is the connection health view of one adapter.
type Status struct {
	Connected bool      `json:"connected"`
	LastOKAt  time.Time `json:"last_ok_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Arm is the streaming adapter for the kHz arm controller.  Move submits a
// target; a background streamer emits it at the controller's expected rate
// until a new target arrives or the adapter stops.
type Arm interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Status() Status

	// SetMode is a confirmed round-trip; a mode is a precondition for moves.
	SetMode(ctx context.Context, mode robot.ArmMode) error
	// Move installs a new streamed target for the current mode.
	Move(ctx context.Context, mode robot.ArmMode, values []float64) error
	// Hold re-targets the last reported position (safety floor).
	Hold(ctx context.Context) error
	// Stop halts streaming and sends an explicit stop frame.
	Stop(ctx context.Context) error

	State() robot.ArmState
}

// Base is the request/reply adapter for the holonomic base server.
type Base interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Status() Status

	MoveTo(ctx context.Context, pose robot.BasePose) error
	SetVelocity(ctx context.Context, v robot.BaseVelocity) error
	Stop(ctx context.Context) error

	// Poll refreshes State with one state round-trip; the aggregator drives
	// this at ~10 Hz.
	Poll(ctx context.Context) error
	State() robot.BaseState
}

// Gripper is the request/reply adapter for the parallel-jaw gripper.
type Gripper interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Status() Status

	Do(ctx context.Context, cmd robot.GripperCommand) error

	Poll(ctx context.Context) error
	State() robot.GripperState
}

// Cameras fetches frames on demand and opens byte streams for WS relays.
type Cameras interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Status() Status

	Names() []string
	Frame(ctx context.Context, name string) ([]byte, error)
}

// Set bundles the four adapters for dependency injection.
type Set struct {
	Arm     Arm
	Base    Base
	Gripper Gripper
	Cameras Cameras
}

// statusCell is the shared, lock-guarded Status every adapter embeds.
type statusCell struct {
	mu sync.Mutex
	st Status
}

func (s *statusCell) markOK() {
	s.mu.Lock()
	s.st.Connected = true
	s.st.LastOKAt = time.Now()
	s.st.LastError = ""
	s.mu.Unlock()
}

func (s *statusCell) markError(err error) {
	s.mu.Lock()
	s.st.LastError = err.Error()
	s.mu.Unlock()
}

func (s *statusCell) markDisconnected(err error) {
	s.mu.Lock()
	s.st.Connected = false
	if err != nil {
		s.st.LastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *statusCell) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *statusCell) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Connected
}
