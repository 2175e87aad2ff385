package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

func TestCartesianPoseOutOfBoundsIsRejected(t *testing.T) {
	lim := DefaultLimits()
	v := ValidateArm(robot.ArmModeCartesianPose, []float64{0.1, 0.1, 5.0, 0, 0, 0}, lim)
	require.False(t, v.OK)
	assert.Equal(t, "safety:z_out_of_bounds:5.000", v.Reason)

	v = ValidateArm(robot.ArmModeCartesianPose, []float64{0.1, 0.1, 0.5, 0, 0, 0}, lim)
	assert.True(t, v.OK)
	assert.False(t, v.Clamped)
}

func TestJointLimitIsRejectedNotClamped(t *testing.T) {
	lim := DefaultLimits()
	vals := []float64{0, 0, 0, -1.5, 0, 1.0, 3.5} // j6 beyond max
	v := ValidateArm(robot.ArmModeJointPosition, vals, lim)
	require.False(t, v.OK)
	assert.Contains(t, v.Reason, "safety:joint_limit:j6")
}

func TestJointVelocityIsClamped(t *testing.T) {
	lim := DefaultLimits()
	vals := []float64{3.0, 0, 0, 0, 0, 0, -3.0}
	v := ValidateArm(robot.ArmModeJointVelocity, vals, lim)
	require.True(t, v.OK)
	require.True(t, v.Clamped)
	assert.Equal(t, lim.MaxJointVelocity, v.Values[0])
	assert.Equal(t, -lim.MaxJointVelocity, v.Values[6])
}

func TestCartesianVelocityClampsLinearAndAngular(t *testing.T) {
	lim := DefaultLimits()
	v := ValidateArm(robot.ArmModeCartesianVelocity, []float64{2, 0, 0, 0, 0, -9}, lim)
	require.True(t, v.OK)
	require.True(t, v.Clamped)
	assert.Equal(t, lim.MaxLinearVelocity, v.Values[0])
	assert.Equal(t, -lim.MaxAngularVelocity, v.Values[5])
}

func TestBasePoseWorkspace(t *testing.T) {
	lim := DefaultLimits()
	v := ValidateBasePose(robot.BasePose{X: 5, Y: 0}, lim)
	require.False(t, v.OK)
	assert.Contains(t, v.Reason, "safety:x_out_of_bounds")

	v = ValidateBasePose(robot.BasePose{X: 0.2, Y: -0.3, Theta: 9}, lim)
	assert.True(t, v.OK) // theta unbounded
}

func TestBaseVelocityScaledPreservingDirection(t *testing.T) {
	lim := DefaultLimits()
	out, v := ValidateBaseVelocity(robot.BaseVelocity{VX: 3, VY: 4}, lim) // speed 5
	require.True(t, v.OK)
	require.True(t, v.Clamped)
	assert.InDelta(t, 0.3, out.VX, 1e-9)
	assert.InDelta(t, 0.4, out.VY, 1e-9)
}

func TestGripperForceClampedWidthRejected(t *testing.T) {
	lim := DefaultLimits()

	out, v := ValidateGripper(robot.GripperCommand{Action: robot.GripperGrasp, Width: 0.04, Force: 500}, lim)
	require.True(t, v.OK)
	assert.True(t, v.Clamped)
	assert.Equal(t, lim.MaxGripperForce, out.Force)

	_, v = ValidateGripper(robot.GripperCommand{Action: robot.GripperMove, Width: 0.5}, lim)
	require.False(t, v.OK)
	assert.Contains(t, v.Reason, "safety:gripper_width_out_of_bounds")
}

func TestCheckStateFlagsViolations(t *testing.T) {
	lim := DefaultLimits()
	var arm robot.ArmState
	arm.Pose = robot.CartPose{0, 0, 0.5, 0, 0, 0}
	var base robot.BaseState

	assert.True(t, CheckState(arm, base, lim).OK)

	arm.Pose[2] = 3.0
	v := CheckState(arm, base, lim)
	require.False(t, v.OK)
	assert.Contains(t, v.Reason, "z_out_of_bounds")
}
