// internal/safety/envelope.go
// Package safety implements the gateway's safety envelope: a pure validator
// that every mutating command passes before it reaches a backend adapter.
// The envelope holds no state and performs no I/O — it is a predicate over
// (command, current state, limits), which keeps it trivially testable and
// safe to call from the auto-rewind monitor at polling rate.
//
// Policy: position targets outside bounds are rejected outright (a silently
// moved target is worse than a refused one); velocity and gripper force
// targets are clamped into range and reported as such.
package safety

import (
	"fmt"
	"math"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// Limits is the configured safety envelope.  config.Load starts from
// DefaultLimits(), so fields a config file omits keep their defaults; a zero
// set explicitly is used as given.
type Limits struct {
	// Per-joint position bounds, radians.
	JointMin robot.Joints `json:"joint_min" mapstructure:"joint_min"`
	JointMax robot.Joints `json:"joint_max" mapstructure:"joint_max"`

	// Cartesian workspace box for the end effector, metres.
	WorkspaceMin [3]float64 `json:"workspace_min" mapstructure:"workspace_min"`
	WorkspaceMax [3]float64 `json:"workspace_max" mapstructure:"workspace_max"`

	// Velocity caps.
	MaxJointVelocity  float64 `json:"max_joint_velocity" mapstructure:"max_joint_velocity"`   // rad/s, per joint
	MaxLinearVelocity float64 `json:"max_linear_velocity" mapstructure:"max_linear_velocity"` // m/s
	MaxAngularVelocity float64 `json:"max_angular_velocity" mapstructure:"max_angular_velocity"` // rad/s

	// Gripper.
	MaxGripperForce float64 `json:"max_gripper_force" mapstructure:"max_gripper_force"` // N
	MaxGripperWidth float64 `json:"max_gripper_width" mapstructure:"max_gripper_width"` // m
}

// DefaultLimits returns a conservative envelope for the 7-DoF arm on the
// holonomic base.
func DefaultLimits() Limits {
	return Limits{
		JointMin: robot.Joints{-2.967, -2.094, -2.967, -2.967, -2.967, -2.967, -3.054},
		JointMax: robot.Joints{2.967, 2.094, 2.967, 2.967, 2.967, 2.967, 3.054},
		WorkspaceMin: [3]float64{-0.8, -0.8, 0.0},
		WorkspaceMax: [3]float64{0.8, 0.8, 1.2},
		MaxJointVelocity:   1.5,
		MaxLinearVelocity:  0.5,
		MaxAngularVelocity: 1.0,
		MaxGripperForce:    40.0,
		MaxGripperWidth:    0.085,
	}
}

// Verdict is the result of a validation: pass, pass-with-clamp, or reject.
type Verdict struct {
	OK      bool      `json:"ok"`
	Clamped bool      `json:"clamped,omitempty"`
	Values  []float64 `json:"values,omitempty"` // effective values (clamped copy when Clamped)
	Reason  string    `json:"reason,omitempty"` // "safety:…" on reject
}

func ok(values []float64) Verdict       { return Verdict{OK: true, Values: values} }
func clamped(values []float64) Verdict  { return Verdict{OK: true, Clamped: true, Values: values} }
func reject(format string, a ...any) Verdict {
	return Verdict{Reason: "safety:" + fmt.Sprintf(format, a...)}
}

// ValidateArm checks an arm move in the given mode.  values must already be
// length-checked at the boundary (mode.ValueCount()).
func ValidateArm(mode robot.ArmMode, values []float64, lim Limits) Verdict {
	switch mode {
	case robot.ArmModeJointPosition:
		for i, v := range values {
			if v < lim.JointMin[i] || v > lim.JointMax[i] {
				return reject("joint_limit:j%d=%.3f", i, v)
			}
		}
		return ok(values)

	case robot.ArmModeCartesianPose:
		axes := [3]string{"x", "y", "z"}
		for i := 0; i < 3; i++ {
			if values[i] < lim.WorkspaceMin[i] || values[i] > lim.WorkspaceMax[i] {
				return reject("%s_out_of_bounds:%.3f", axes[i], values[i])
			}
		}
		return ok(values)

	case robot.ArmModeJointVelocity:
		out, did := clampAbs(values, lim.MaxJointVelocity)
		if did {
			return clamped(out)
		}
		return ok(out)

	case robot.ArmModeCartesianVelocity:
		out := append([]float64(nil), values...)
		did := false
		for i := 0; i < 3; i++ {
			if c := clampOne(out[i], lim.MaxLinearVelocity); c != out[i] {
				out[i], did = c, true
			}
		}
		for i := 3; i < 6; i++ {
			if c := clampOne(out[i], lim.MaxAngularVelocity); c != out[i] {
				out[i], did = c, true
			}
		}
		if did {
			return clamped(out)
		}
		return ok(out)
	}
	return reject("mode_not_validatable:%s", mode)
}

// ValidateBasePose checks an absolute base pose target against the workspace
// footprint (x/y only; theta is unbounded, normalised by the base server).
func ValidateBasePose(p robot.BasePose, lim Limits) Verdict {
	if p.X < lim.WorkspaceMin[0] || p.X > lim.WorkspaceMax[0] {
		return reject("x_out_of_bounds:%.3f", p.X)
	}
	if p.Y < lim.WorkspaceMin[1] || p.Y > lim.WorkspaceMax[1] {
		return reject("y_out_of_bounds:%.3f", p.Y)
	}
	return ok([]float64{p.X, p.Y, p.Theta})
}

// ValidateBaseVelocity clamps a planar twist into the velocity caps.
func ValidateBaseVelocity(v robot.BaseVelocity, lim Limits) (robot.BaseVelocity, Verdict) {
	out := v
	did := false
	// Clamp translational speed preserving direction.
	if speed := math.Hypot(v.VX, v.VY); speed > lim.MaxLinearVelocity && speed > 0 {
		scale := lim.MaxLinearVelocity / speed
		out.VX, out.VY = v.VX*scale, v.VY*scale
		did = true
	}
	if c := clampOne(v.WZ, lim.MaxAngularVelocity); c != v.WZ {
		out.WZ, did = c, true
	}
	if did {
		return out, clamped([]float64{out.VX, out.VY, out.WZ})
	}
	return out, ok([]float64{out.VX, out.VY, out.WZ})
}

// ValidateGripper clamps force into range and rejects widths the hardware
// cannot reach.
func ValidateGripper(cmd robot.GripperCommand, lim Limits) (robot.GripperCommand, Verdict) {
	out := cmd
	if cmd.Width < 0 || cmd.Width > lim.MaxGripperWidth {
		if cmd.Action == robot.GripperMove || cmd.Action == robot.GripperGrasp {
			return cmd, reject("gripper_width_out_of_bounds:%.4f", cmd.Width)
		}
	}
	if cmd.Force > lim.MaxGripperForce {
		out.Force = lim.MaxGripperForce
		return out, clamped([]float64{out.Width, out.Speed, out.Force})
	}
	if cmd.Force < 0 {
		return cmd, reject("gripper_force_negative:%.2f", cmd.Force)
	}
	return out, ok([]float64{out.Width, out.Speed, out.Force})
}

// CheckState validates an observed state against the envelope.  Used by the
// auto-rewind monitor; position-style checks only, velocities are transient.
func CheckState(arm robot.ArmState, base robot.BaseState, lim Limits) Verdict {
	if v := ValidateArm(robot.ArmModeJointPosition, arm.Joints.Slice(), lim); !v.OK {
		return v
	}
	// End-effector position from the reported pose.
	if v := ValidateArm(robot.ArmModeCartesianPose, arm.Pose.Slice(), lim); !v.OK {
		return v
	}
	if v := ValidateBasePose(base.Pose, lim); !v.OK {
		return v
	}
	return ok(nil)
}

func clampOne(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func clampAbs(values []float64, limit float64) ([]float64, bool) {
	out := append([]float64(nil), values...)
	did := false
	for i, v := range out {
		if c := clampOne(v, limit); c != v {
			out[i], did = c, true
		}
	}
	return out, did
}
