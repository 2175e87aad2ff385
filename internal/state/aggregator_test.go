package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

func fastAggregator() (*Aggregator, *backend.SimArm, *backend.SimBase) {
	set, arm, base, _, _ := backend.NewSimSet()
	a := New(Config{BasePollHz: 50, GripperPollHz: 50, PublishHz: 100, StaleAfter: 200 * time.Millisecond}, set)
	return a, arm, base
}

func TestSnapshotReflectsBackendState(t *testing.T) {
	a, arm, _ := fastAggregator()
	arm.SetState(robot.ArmState{Joints: robot.Joints{0.5}})
	a.Start()
	defer a.Stop()

	require.Eventually(t, func() bool {
		return a.Current().Arm.State.Joints[0] == 0.5
	}, time.Second, 5*time.Millisecond)

	snap := a.Current()
	assert.False(t, snap.Arm.Stale)
	assert.True(t, snap.Backends["arm"].Connected)
}

func TestSnapshotTimestampsMonotonic(t *testing.T) {
	a, _, _ := fastAggregator()
	a.Start()
	defer a.Stop()

	ch, unregister := a.Subscribe(0)
	defer unregister()

	var last time.Time
	for i := 0; i < 20; i++ {
		select {
		case snap := <-ch:
			require.False(t, snap.Timestamp.Before(last), "snapshot went backwards")
			last = snap.Timestamp
		case <-time.After(time.Second):
			t.Fatal("no snapshot")
		}
	}
}

func TestSlowSubscriberConflates(t *testing.T) {
	a, _, _ := fastAggregator()
	a.Start()
	defer a.Stop()

	ch, unregister := a.Subscribe(0)
	defer unregister()

	// Sleep through many publishes; the channel holds only the newest.
	time.Sleep(300 * time.Millisecond)
	first := <-ch
	second := <-ch
	assert.True(t, second.Timestamp.After(first.Timestamp))
	// The gap proves conflation: at 100 Hz, ~30 snapshots were produced but
	// at most one was queued.
	assert.Less(t, len(ch), 2)
}

func TestDisconnectedBackendGoesStaleOthersServe(t *testing.T) {
	a, _, base := fastAggregator()
	a.Start()
	defer a.Stop()

	require.Eventually(t, func() bool { return !a.Current().Base.Stale }, time.Second, 5*time.Millisecond)

	base.SetConnected(false)

	require.Eventually(t, func() bool {
		snap := a.Current()
		return snap.Base.Stale && !snap.Backends["base"].Connected
	}, time.Second, 5*time.Millisecond)

	// Other subsystems keep serving fresh data.
	snap := a.Current()
	assert.False(t, snap.Arm.Stale)
	assert.True(t, snap.Backends["arm"].Connected)
}

func TestSubscriberThrottle(t *testing.T) {
	a, _, _ := fastAggregator()
	a.Start()
	defer a.Stop()

	ch, unregister := a.Subscribe(10) // 10 Hz against a 100 Hz publisher
	defer unregister()

	count := 0
	deadline := time.After(550 * time.Millisecond)
	for {
		select {
		case <-ch:
			count++
		case <-deadline:
			// ~5-6 deliveries expected; anything near the publish rate means
			// the limiter is not applied.
			assert.Greater(t, count, 2)
			assert.Less(t, count, 15)
			return
		}
	}
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	a, _, _ := fastAggregator()
	a.Start()
	defer a.Stop()

	_, unregister := a.Subscribe(0)
	unregister()
	unregister()
}
