package trajectory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wp(kind Kind, v float64) Waypoint {
	return Waypoint{Kind: kind, Values: []float64{v}, Source: SourceCommand}
}

func TestRecordAndSnapshot(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 3; i++ {
		r.Record(wp(KindArmJoint, float64(i)))
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, w := range snap {
		assert.Equal(t, float64(i), w.Values[0])
	}
}

func TestCapacityBoundOldestFirstEviction(t *testing.T) {
	r := NewRecorder(5)
	for i := 0; i < 12; i++ {
		r.Record(wp(KindArmJoint, float64(i)))
	}
	require.Equal(t, 5, r.Len())
	snap := r.Snapshot()
	// Only the newest five survive, oldest first.
	for i, w := range snap {
		assert.Equal(t, float64(7+i), w.Values[0])
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	r := NewRecorder(10)
	now := time.Now()
	r.Record(Waypoint{T: now, Kind: KindArmJoint, Values: []float64{0}})
	// A backdated waypoint is clamped up, never recorded out of order.
	r.Record(Waypoint{T: now.Add(-time.Hour), Kind: KindArmJoint, Values: []float64{1}})
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[1].T.Before(snap[0].T))
}

func TestReverseSlice(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 6; i++ {
		r.Record(wp(KindArmJoint, float64(i)))
	}
	rev := r.ReverseSlice(4)
	require.Len(t, rev, 4)
	for i, w := range rev {
		assert.Equal(t, float64(5-i), w.Values[0])
	}

	// Asking for more than recorded returns everything, newest first.
	all := r.ReverseSlice(100)
	require.Len(t, all, 6)
	assert.Equal(t, 5.0, all[0].Values[0])
	assert.Equal(t, 0.0, all[5].Values[0])
}

func TestSliceClampsBounds(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 5; i++ {
		r.Record(wp(KindBasePose, float64(i)))
	}
	s := r.Slice(1, 3)
	require.Len(t, s, 2)
	assert.Equal(t, 1.0, s[0].Values[0])

	assert.Nil(t, r.Slice(4, 2))
	assert.Len(t, r.Slice(-5, 100), 5)
}

func TestSnapshotIsDetached(t *testing.T) {
	r := NewRecorder(10)
	r.Record(wp(KindArmJoint, 1))
	snap := r.Snapshot()
	snap[0].Values[0] = 99

	assert.Equal(t, 1.0, r.Snapshot()[0].Values[0])
}

func TestClear(t *testing.T) {
	r := NewRecorder(10)
	r.Record(wp(KindArmJoint, 1))
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())

	r.Record(wp(KindArmJoint, 2))
	assert.Equal(t, 1, r.Len())
}
