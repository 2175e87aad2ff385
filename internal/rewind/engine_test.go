package rewind

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/internal/trajectory"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

func fastConfig() Config {
	return Config{
		ChunkSize:      10,
		ChunkDurationS: 0.05,
		SettleTimeS:    0.01,
		StreamHz:       200,
	}
}

func newTestEngine(t *testing.T) (*Engine, *trajectory.Recorder, *backend.SimArm, *backend.SimBase) {
	t.Helper()
	set, arm, base, _, _ := backend.NewSimSet()
	rec := trajectory.NewRecorder(100)
	eng := New(fastConfig(), set, rec, safety.DefaultLimits)
	return eng, rec, arm, base
}

func jointWP(vals ...float64) trajectory.Waypoint {
	v := make([]float64, robot.NumJoints)
	copy(v, vals)
	return trajectory.Waypoint{Kind: trajectory.KindArmJoint, Values: v, Source: trajectory.SourceCommand}
}

// A full dry-run rewind of [q0..q3] visits q3, q2, q1 for steps=3, in that
// exact order, and issues no adapter command.
func TestDryRunVisitsTargetsInReverseOrder(t *testing.T) {
	eng, rec, arm, _ := newTestEngine(t)
	// 0.5 rad steps keep every target inside the default joint limits.
	for i := 0; i < 4; i++ {
		rec.Record(jointWP(float64(i) * 0.5))
	}

	res, err := eng.Rewind(context.Background(), Request{Steps: 3, DryRun: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.StepsRewound)

	require.Len(t, res.Targets, 3)
	assert.Equal(t, 1.5, res.Targets[0].Values[0])
	assert.Equal(t, 1.0, res.Targets[1].Values[0])
	assert.Equal(t, 0.5, res.Targets[2].Values[0])

	// Dry run: no adapter call, no re-recorded waypoints.
	assert.Empty(t, arm.Trace())
	assert.Equal(t, 4, rec.Len())
}

func TestRewindStreamsArmTargets(t *testing.T) {
	eng, rec, arm, _ := newTestEngine(t)
	rec.Record(jointWP(0.1))
	rec.Record(jointWP(0.2))

	res, err := eng.Rewind(context.Background(), Request{Steps: 2})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.StepsRewound)

	trace := arm.Trace()
	require.NotEmpty(t, trace)
	assert.Equal(t, "set_mode", trace[0].Op)
	assert.Equal(t, robot.ArmModeJointPosition, trace[0].Mode)
	// The final streamed setpoint is the oldest rewound waypoint.
	last := trace[len(trace)-1]
	assert.Equal(t, "move", last.Op)
	assert.InDelta(t, 0.1, last.Values[0], 1e-9)

	// Replayed motion is re-recorded with the rewind source.
	snap := rec.Snapshot()
	require.Equal(t, 4, len(snap))
	assert.Equal(t, trajectory.SourceRewind, snap[3].Source)
}

func TestRewindExclusionReturnsBusy(t *testing.T) {
	eng, rec, arm, _ := newTestEngine(t)
	cfg := eng.Config()
	cfg.ChunkDurationS = 2 // keep the first rewind busy for a while
	eng.SetConfig(cfg)
	for i := 0; i < 5; i++ {
		rec.Record(jointWP(float64(i) * 0.1))
	}

	started := make(chan struct{})
	done := make(chan Result, 1)
	go func() {
		close(started)
		res, _ := eng.Rewind(context.Background(), Request{Steps: 5})
		done <- res
	}()
	<-started
	require.Eventually(t, eng.Active, time.Second, time.Millisecond)

	arm.ResetTrace()
	_, err := eng.Rewind(context.Background(), Request{Steps: 1})
	require.ErrorIs(t, err, ErrBusy)
	// The losing call issued no adapter command.
	for _, c := range arm.Trace() {
		assert.NotEqual(t, "set_mode", c.Op)
	}

	eng.Stop()
	<-done
}

func TestSafetyRejectAbortsWithPartialCount(t *testing.T) {
	eng, rec, _, _ := newTestEngine(t)
	rec.Record(jointWP(0.1))
	// Out of range: beyond the per-joint limit, recorded before limits
	// tightened (the envelope is re-checked at replay time).
	rec.Record(trajectory.Waypoint{Kind: trajectory.KindArmJoint, Values: []float64{9, 0, 0, 0, 0, 0, 0}, Source: trajectory.SourceCommand})
	rec.Record(jointWP(0.3))

	res, err := eng.Rewind(context.Background(), Request{Steps: 3, DryRun: true})
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, 1, res.StepsRewound) // q3 replayed, q2 rejected
	assert.Equal(t, 1, res.AbortedAt)
	assert.Contains(t, res.Reason, "safety:joint_limit")
}

func TestStopCancelsAndHaltsMovers(t *testing.T) {
	eng, rec, arm, base := newTestEngine(t)
	cfg := eng.Config()
	cfg.ChunkDurationS = 5
	eng.SetConfig(cfg)
	for i := 0; i < 10; i++ {
		rec.Record(jointWP(float64(i) * 0.05))
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.Rewind(context.Background(), Request{Steps: 10})
		done <- res
	}()
	require.Eventually(t, eng.Active, time.Second, time.Millisecond)
	require.True(t, eng.Stop())

	res := <-done
	assert.True(t, res.Stopped)
	assert.False(t, res.Success)

	armTrace := arm.Trace()
	require.NotEmpty(t, armTrace)
	assert.Equal(t, "stop", armTrace[len(armTrace)-1].Op)
	baseTrace := base.Trace()
	require.NotEmpty(t, baseTrace)
	assert.Equal(t, "stop", baseTrace[len(baseTrace)-1].Op)
}

func TestPercentageResolution(t *testing.T) {
	eng, rec, _, _ := newTestEngine(t)
	for i := 0; i < 10; i++ {
		rec.Record(jointWP(float64(i) * 0.01))
	}
	res, err := eng.Rewind(context.Background(), Request{Percentage: 50, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.StepsRewound)
}

func TestGripperReplayedAsDiscreteWidths(t *testing.T) {
	eng, rec, _, _ := newTestEngine(t)
	set, _, _, grip, _ := backend.NewSimSet()
	eng = New(fastConfig(), set, rec, safety.DefaultLimits)

	rec.Record(trajectory.Waypoint{Kind: trajectory.KindGripperWidth, Values: []float64{0.02}, Source: trajectory.SourceCommand})
	rec.Record(trajectory.Waypoint{Kind: trajectory.KindGripperWidth, Values: []float64{0.06}, Source: trajectory.SourceCommand})

	res, err := eng.Rewind(context.Background(), Request{Steps: 2})
	require.NoError(t, err)
	require.True(t, res.Success)

	trace := grip.Trace()
	require.Len(t, trace, 2)
	assert.Equal(t, "move", trace[0].Op)
	assert.InDelta(t, 0.06, trace[0].Values[0], 1e-9)
	assert.InDelta(t, 0.02, trace[1].Values[0], 1e-9)
}

func TestMixedKindsSplitIntoChunks(t *testing.T) {
	ws := []trajectory.Waypoint{
		{Kind: trajectory.KindArmJoint, T: time.Now()},
		{Kind: trajectory.KindArmJoint, T: time.Now()},
		{Kind: trajectory.KindBasePose, T: time.Now()},
		{Kind: trajectory.KindArmJoint, T: time.Now()},
	}
	chunks := buildChunks(ws, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, trajectory.KindArmJoint, chunks[0].kind)
	assert.Len(t, chunks[0].waypoints, 2)
	assert.Equal(t, trajectory.KindBasePose, chunks[1].kind)
	assert.Equal(t, trajectory.KindArmJoint, chunks[2].kind)
}

func TestChunkSizeBound(t *testing.T) {
	var ws []trajectory.Waypoint
	for i := 0; i < 25; i++ {
		ws = append(ws, trajectory.Waypoint{Kind: trajectory.KindArmJoint})
	}
	chunks := buildChunks(ws, 10)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].waypoints, 10)
	assert.Len(t, chunks[2].waypoints, 5)
}
