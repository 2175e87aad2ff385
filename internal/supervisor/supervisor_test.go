package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleeperDefs() []Definition {
	// Long sleeps stand in for backend servers; the supervisor only cares
	// about process lifecycle.
	return []Definition{
		{Key: "base_server", Command: "sleep 300"},
		{Key: "franka_server", Command: "sleep 300"},
		{Key: "controller", Command: "sleep 300", DependsOn: []string{"base_server", "franka_server"}},
	}
}

func newTestSupervisor(t *testing.T, defs []Definition) *Supervisor {
	t.Helper()
	s, err := New(Config{PIDPath: filepath.Join(t.TempDir(), "pids.json")}, defs)
	require.NoError(t, err)
	t.Cleanup(s.StopAll)
	return s
}

func TestGraphValidation(t *testing.T) {
	err := ValidateGraph([]Definition{
		{Key: "a", Command: "sleep 1", DependsOn: []string{"b"}},
		{Key: "b", Command: "sleep 1", DependsOn: []string{"a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	err = ValidateGraph([]Definition{{Key: "a", Command: "sleep 1", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")

	err = ValidateGraph([]Definition{{Key: "a", Command: "x"}, {Key: "a", Command: "y"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestStartOrderRespectsDependencies(t *testing.T) {
	order := StartOrder(sleeperDefs())
	pos := map[string]int{}
	for i, k := range order {
		pos[k] = i
	}
	assert.Less(t, pos["base_server"], pos["controller"])
	assert.Less(t, pos["franka_server"], pos["controller"])
}

func TestStartRequiresRunningDependencies(t *testing.T) {
	s := newTestSupervisor(t, sleeperDefs())

	err := s.Start("controller")
	require.ErrorIs(t, err, ErrDependencyNotRunning)

	require.NoError(t, s.Start("base_server"))
	require.NoError(t, s.Start("franka_server"))
	require.NoError(t, s.Start("controller"))

	rec, err := s.Record("controller")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.NotZero(t, rec.PID)
}

// Stopping a dependency cascades: no dependent remains running.
func TestDependencyCascade(t *testing.T) {
	s := newTestSupervisor(t, sleeperDefs())
	require.NoError(t, s.Start("base_server"))
	require.NoError(t, s.Start("franka_server"))
	require.NoError(t, s.Start("controller"))

	require.NoError(t, s.Stop("base_server"))

	require.Eventually(t, func() bool {
		ctrl, _ := s.Record("controller")
		base, _ := s.Record("base_server")
		return ctrl.State == StateStopped && base.State == StateStopped
	}, 10*time.Second, 50*time.Millisecond)

	// The sibling dependency is untouched.
	fr, _ := s.Record("franka_server")
	assert.Equal(t, StateRunning, fr.State)
}

func TestCrashCascadesToDependents(t *testing.T) {
	defs := []Definition{
		{Key: "parent", Command: "sleep 0.2"}, // exits on its own
		{Key: "child", Command: "sleep 300", DependsOn: []string{"parent"}},
	}
	s := newTestSupervisor(t, defs)
	require.NoError(t, s.Start("parent"))
	require.NoError(t, s.Start("child"))

	require.Eventually(t, func() bool {
		p, _ := s.Record("parent")
		c, _ := s.Record("child")
		return p.State == StateCrashed && c.State == StateStopped
	}, 10*time.Second, 50*time.Millisecond)
}

func TestAutoRestartAfterCrash(t *testing.T) {
	defs := []Definition{{Key: "flaky", Command: "sleep 0.2", AutoRestart: true}}
	s := newTestSupervisor(t, defs)
	require.NoError(t, s.Start("flaky"))

	require.Eventually(t, func() bool {
		rec, _ := s.Record("flaky")
		return rec.RestartCount >= 1 && rec.State == StateRunning
	}, 15*time.Second, 100*time.Millisecond)
}

func TestLogsCaptured(t *testing.T) {
	defs := []Definition{{Key: "echoer", Command: `sh -c "echo hello; echo oops >&2; sleep 300"`}}
	s := newTestSupervisor(t, defs)
	require.NoError(t, s.Start("echoer"))

	require.Eventually(t, func() bool {
		lines, err := s.Logs("echoer", 10)
		if err != nil {
			return false
		}
		var out, errSeen bool
		for _, l := range lines {
			if l.Stream == "stdout" && l.Text == "hello" {
				out = true
			}
			if l.Stream == "stderr" && l.Text == "oops" {
				errSeen = true
			}
		}
		return out && errSeen
	}, 5*time.Second, 50*time.Millisecond)
}

func TestUnknownServiceErrors(t *testing.T) {
	s := newTestSupervisor(t, sleeperDefs())
	_, err := s.Record("nope")
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.ErrorIs(t, s.Start("nope"), ErrUnknownService)
	assert.ErrorIs(t, s.Stop("nope"), ErrUnknownService)
}

func TestLogRingEviction(t *testing.T) {
	r := NewLogRing(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		r.Append("stdout", s)
	}
	lines := r.Last(0)
	require.Len(t, lines, 3)
	assert.Equal(t, "b", lines[0].Text)
	assert.Equal(t, "d", lines[2].Text)

	last2 := r.Last(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "c", last2[0].Text)
}
