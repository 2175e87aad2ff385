// internal/backend/sim.go
// Simulated adapters backing --dry-run and the test suite.  They honour the
// same interfaces as the real adapters, integrate commanded targets so state
// reflects motion, and keep a call trace so tests can assert on the exact
// command sequence a subsystem issued.
package backend

import (
	"context"
	"sync"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// SimCall is one traced adapter invocation.
type SimCall struct {
	Op     string
	Mode   robot.ArmMode
	Values []float64
}

type simCore struct {
	statusCell
	mu    sync.Mutex
	trace []SimCall
}

func (s *simCore) Connect(context.Context) error { s.markOK(); return nil }
func (s *simCore) Close() error                  { s.markDisconnected(nil); return nil }

// SetConnected force-toggles the simulated link; used to test degraded modes.
func (s *simCore) SetConnected(up bool) {
	if up {
		s.markOK()
	} else {
		s.markDisconnected(ErrUnavailable)
	}
}

func (s *simCore) record(c SimCall) {
	s.mu.Lock()
	c.Values = append([]float64(nil), c.Values...)
	s.trace = append(s.trace, c)
	s.mu.Unlock()
}

// Trace returns a copy of all traced calls in issue order.
func (s *simCore) Trace() []SimCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimCall(nil), s.trace...)
}

// ResetTrace clears the call trace.
func (s *simCore) ResetTrace() {
	s.mu.Lock()
	s.trace = nil
	s.mu.Unlock()
}

// --- arm -------------------------------------------------------------------

// SimArm is the simulated arm.  Position targets apply instantly; velocity
// targets update the mode only (the sim has no integration clock).
type SimArm struct {
	simCore
	stMu  sync.Mutex
	state robot.ArmState
}

// NewSimArm returns a connected simulated arm at the zero posture.
func NewSimArm() *SimArm {
	a := &SimArm{}
	a.state.Mode = robot.ArmModeIdle
	a.markOK()
	return a
}

func (a *SimArm) SetMode(_ context.Context, mode robot.ArmMode) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.record(SimCall{Op: "set_mode", Mode: mode})
	a.stMu.Lock()
	a.state.Mode = mode
	a.stMu.Unlock()
	return nil
}

func (a *SimArm) Move(_ context.Context, mode robot.ArmMode, values []float64) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.record(SimCall{Op: "move", Mode: mode, Values: values})
	a.stMu.Lock()
	defer a.stMu.Unlock()
	switch mode {
	case robot.ArmModeJointPosition:
		copy(a.state.Joints[:], values)
	case robot.ArmModeCartesianPose:
		copy(a.state.Pose[:], values)
	}
	return nil
}

func (a *SimArm) Hold(_ context.Context) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.record(SimCall{Op: "hold"})
	return nil
}

func (a *SimArm) Stop(_ context.Context) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.record(SimCall{Op: "stop"})
	return nil
}

func (a *SimArm) State() robot.ArmState {
	a.stMu.Lock()
	defer a.stMu.Unlock()
	return a.state
}

// SetState overrides the reported state; tests use this to simulate drift.
func (a *SimArm) SetState(st robot.ArmState) {
	a.stMu.Lock()
	a.state = st
	a.stMu.Unlock()
}

// --- base ------------------------------------------------------------------

// SimBase is the simulated holonomic base; pose targets apply instantly.
type SimBase struct {
	simCore
	stMu  sync.Mutex
	state robot.BaseState
}

// NewSimBase returns a connected simulated base at the origin.
func NewSimBase() *SimBase {
	b := &SimBase{}
	b.markOK()
	return b
}

func (b *SimBase) MoveTo(_ context.Context, pose robot.BasePose) error {
	if !b.IsConnected() {
		return ErrUnavailable
	}
	b.record(SimCall{Op: "move_to", Values: []float64{pose.X, pose.Y, pose.Theta}})
	b.stMu.Lock()
	b.state.Pose = pose
	b.state.Velocity = robot.BaseVelocity{}
	b.stMu.Unlock()
	return nil
}

func (b *SimBase) SetVelocity(_ context.Context, v robot.BaseVelocity) error {
	if !b.IsConnected() {
		return ErrUnavailable
	}
	b.record(SimCall{Op: "velocity", Values: []float64{v.VX, v.VY, v.WZ}})
	b.stMu.Lock()
	b.state.Velocity = v
	b.state.Moving = v.VX != 0 || v.VY != 0 || v.WZ != 0
	b.stMu.Unlock()
	return nil
}

func (b *SimBase) Stop(_ context.Context) error {
	if !b.IsConnected() {
		return ErrUnavailable
	}
	b.record(SimCall{Op: "stop"})
	b.stMu.Lock()
	b.state.Velocity = robot.BaseVelocity{}
	b.state.Moving = false
	b.stMu.Unlock()
	return nil
}

func (b *SimBase) Poll(context.Context) error {
	if !b.IsConnected() {
		return ErrUnavailable
	}
	return nil
}

func (b *SimBase) State() robot.BaseState {
	b.stMu.Lock()
	defer b.stMu.Unlock()
	return b.state
}

// SetState overrides the reported state.
func (b *SimBase) SetState(st robot.BaseState) {
	b.stMu.Lock()
	b.state = st
	b.stMu.Unlock()
}

// --- gripper ---------------------------------------------------------------

// SimGripper is the simulated gripper.
type SimGripper struct {
	simCore
	stMu  sync.Mutex
	state robot.GripperState
}

// NewSimGripper returns a connected simulated gripper, fully open.
func NewSimGripper() *SimGripper {
	g := &SimGripper{}
	g.state.Width = 0.085
	g.markOK()
	return g
}

func (g *SimGripper) Do(_ context.Context, cmd robot.GripperCommand) error {
	if !g.IsConnected() {
		return ErrUnavailable
	}
	g.record(SimCall{Op: string(cmd.Action), Values: []float64{cmd.Width, cmd.Speed, cmd.Force}})
	g.stMu.Lock()
	defer g.stMu.Unlock()
	switch cmd.Action {
	case robot.GripperMove:
		g.state.Width = cmd.Width
	case robot.GripperOpen, robot.GripperCalibrate, robot.GripperActivate:
		g.state.Width = 0.085
		g.state.IsGrasping = false
	case robot.GripperClose:
		g.state.Width = 0
	case robot.GripperGrasp:
		g.state.Width = cmd.Width
		g.state.IsGrasping = true
	}
	return nil
}

func (g *SimGripper) Poll(context.Context) error {
	if !g.IsConnected() {
		return ErrUnavailable
	}
	return nil
}

func (g *SimGripper) State() robot.GripperState {
	g.stMu.Lock()
	defer g.stMu.Unlock()
	return g.state
}

// --- cameras ---------------------------------------------------------------

// SimCameras serves a tiny fixed JPEG for every frame request.
type SimCameras struct {
	simCore
	names []string
}

// NewSimCameras returns a connected simulated camera mux.
func NewSimCameras(names ...string) *SimCameras {
	if len(names) == 0 {
		names = []string{"base", "wrist"}
	}
	c := &SimCameras{names: names}
	c.markOK()
	return c
}

func (c *SimCameras) Names() []string { return append([]string(nil), c.names...) }

func (c *SimCameras) Frame(_ context.Context, name string) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrUnavailable
	}
	c.record(SimCall{Op: "frame:" + name})
	// Smallest useful stand-in: a JPEG SOI/EOI pair.
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

// NewSimSet bundles one of each simulated adapter.
func NewSimSet() (Set, *SimArm, *SimBase, *SimGripper, *SimCameras) {
	arm := NewSimArm()
	base := NewSimBase()
	grip := NewSimGripper()
	cams := NewSimCameras()
	return Set{Arm: arm, Base: base, Gripper: grip, Cameras: cams}, arm, base, grip, cams
}
