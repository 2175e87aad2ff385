// pkg/robot/types.go
// Package robot defines the shared data model for the TidyBot gateway: arm
// control modes, joint and Cartesian vectors, base poses and velocities, and
// gripper commands.  The types are deliberately plain — fixed-shape numeric
// payloads that marshal 1:1 onto the backend wire formats and the HTTP JSON
// surface — so every layer (adapters, safety envelope, recorder, rewind) can
// pass them around without conversion.
package robot

import (
	"fmt"
)

// NumJoints is the arm's degree-of-freedom count.
const NumJoints = 7

// ArmMode selects the arm controller's active control law.  Setting the mode
// is a confirmed round-trip and a precondition for any move command.
type ArmMode string

const (
	ArmModeIdle              ArmMode = "idle"
	ArmModeJointPosition     ArmMode = "joint_position"
	ArmModeCartesianPose     ArmMode = "cartesian_pose"
	ArmModeJointVelocity     ArmMode = "joint_velocity"
	ArmModeCartesianVelocity ArmMode = "cartesian_velocity"
)

// ParseArmMode validates a wire-level mode discriminator.  Unknown modes are
// rejected at the boundary rather than defaulted.
func ParseArmMode(s string) (ArmMode, error) {
	switch m := ArmMode(s); m {
	case ArmModeIdle, ArmModeJointPosition, ArmModeCartesianPose,
		ArmModeJointVelocity, ArmModeCartesianVelocity:
		return m, nil
	}
	return "", fmt.Errorf("unknown arm mode %q", s)
}

// ValueCount returns the expected payload length for a move in this mode, or
// 0 for modes that carry no payload (idle).
func (m ArmMode) ValueCount() int {
	switch m {
	case ArmModeJointPosition, ArmModeJointVelocity:
		return NumJoints
	case ArmModeCartesianPose, ArmModeCartesianVelocity:
		return 6 // x y z roll pitch yaw (or their rates)
	}
	return 0
}

// Joints is a full joint-space vector in radians (or rad/s for velocities).
type Joints [NumJoints]float64

// Slice returns a detached copy as a plain slice for JSON payloads.
func (j Joints) Slice() []float64 {
	out := make([]float64, NumJoints)
	copy(out, j[:])
	return out
}

// CartPose is an end-effector pose [x y z roll pitch yaw] in metres/radians,
// or the corresponding twist for velocity modes.
type CartPose [6]float64

// Slice returns a detached copy as a plain slice.
func (p CartPose) Slice() []float64 {
	out := make([]float64, 6)
	copy(out, p[:])
	return out
}

// BasePose is the holonomic base's planar pose in the odometry frame.
type BasePose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// BaseVelocity is a planar twist.  Frame is "body" or "odom"; empty means
// body frame.
type BaseVelocity struct {
	VX    float64 `json:"vx"`
	VY    float64 `json:"vy"`
	WZ    float64 `json:"wz"`
	Frame string  `json:"frame,omitempty"`
}

// GripperAction enumerates the gripper controller's request/reply verbs.
type GripperAction string

const (
	GripperActivate  GripperAction = "activate"
	GripperCalibrate GripperAction = "calibrate"
	GripperMove      GripperAction = "move"
	GripperOpen      GripperAction = "open"
	GripperClose     GripperAction = "close"
	GripperGrasp     GripperAction = "grasp"
	GripperStop      GripperAction = "stop"
)

// ParseGripperAction validates a wire-level action discriminator.
func ParseGripperAction(s string) (GripperAction, error) {
	switch a := GripperAction(s); a {
	case GripperActivate, GripperCalibrate, GripperMove, GripperOpen,
		GripperClose, GripperGrasp, GripperStop:
		return a, nil
	}
	return "", fmt.Errorf("unknown gripper action %q", s)
}

// GripperCommand is a single gripper request.  Width in metres, Speed in m/s
// and Force in newtons; zero values fall back to controller defaults.
type GripperCommand struct {
	Action GripperAction `json:"action"`
	Width  float64       `json:"width,omitempty"`
	Speed  float64       `json:"speed,omitempty"`
	Force  float64       `json:"force,omitempty"`
}

// ArmState is the latest state reported by the arm controller.
type ArmState struct {
	Mode   ArmMode  `json:"mode"`
	Joints Joints   `json:"joints"`
	Pose   CartPose `json:"pose"`
	Moving bool     `json:"moving"`
}

// BaseState is the latest state reported by the base server.
type BaseState struct {
	Pose     BasePose     `json:"pose"`
	Velocity BaseVelocity `json:"velocity"`
	Moving   bool         `json:"moving"`
}

// GripperState is the latest state reported by the gripper controller.
type GripperState struct {
	Width      float64 `json:"width"`
	IsGrasping bool    `json:"is_grasping"`
}
