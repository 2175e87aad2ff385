package executor

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitFinished(t *testing.T, x *Executor) Execution {
	t.Helper()
	var rec Execution
	require.Eventually(t, func() bool {
		r, ok := x.Status()
		if !ok || r.State == StateRunning {
			return false
		}
		rec = r
		return true
	}, 15*time.Second, 50*time.Millisecond)
	return rec
}

func TestExecuteCapturesStdoutAndCompletes(t *testing.T) {
	var held atomic.Bool
	x := New(Config{}, func() { held.Store(true) })

	id, err := x.Execute(`print("hello from script")`, 10*time.Second, "127.0.0.1:1", "tok")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := awaitFinished(t, x)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Contains(t, rec.Stdout, "hello from script")
	assert.True(t, held.Load(), "post-run hold hook must fire")
}

func TestNonZeroExitIsFailed(t *testing.T) {
	x := New(Config{}, nil)
	_, err := x.Execute("import sys\nsys.exit(3)", 10*time.Second, "127.0.0.1:1", "tok")
	require.NoError(t, err)

	rec := awaitFinished(t, x)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, 3, rec.ExitCode)
}

func TestStderrCaptured(t *testing.T) {
	x := New(Config{}, nil)
	_, err := x.Execute("raise RuntimeError('boom')", 10*time.Second, "127.0.0.1:1", "tok")
	require.NoError(t, err)

	rec := awaitFinished(t, x)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Stderr, "boom")
}

func TestTimeoutTerminatesChild(t *testing.T) {
	x := New(Config{GracePeriod: 200 * time.Millisecond}, nil)
	_, err := x.Execute("import time\ntime.sleep(60)", 300*time.Millisecond, "127.0.0.1:1", "tok")
	require.NoError(t, err)

	rec := awaitFinished(t, x)
	assert.Equal(t, StateTimeout, rec.State)
	assert.False(t, x.IsRunning())
}

func TestStopIsGracefulThenRecorded(t *testing.T) {
	var held atomic.Bool
	x := New(Config{GracePeriod: 200 * time.Millisecond}, func() { held.Store(true) })
	_, err := x.Execute("import time\ntime.sleep(60)", time.Minute, "127.0.0.1:1", "tok")
	require.NoError(t, err)

	require.Eventually(t, x.IsRunning, 5*time.Second, 10*time.Millisecond)
	require.True(t, x.Stop())

	rec := awaitFinished(t, x)
	assert.Equal(t, StateStopped, rec.State)
	assert.True(t, held.Load())
}

func TestSecondExecutionIsBusy(t *testing.T) {
	x := New(Config{}, nil)
	_, err := x.Execute("import time\ntime.sleep(30)", time.Minute, "127.0.0.1:1", "tok")
	require.NoError(t, err)
	defer func() {
		x.Stop()
		awaitFinished(t, x)
	}()

	_, err = x.Execute(`print("nope")`, time.Minute, "127.0.0.1:1", "tok")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPreludeWiresGatewayAndToken(t *testing.T) {
	p := Prelude("127.0.0.1:8400", "secret-token")
	assert.Contains(t, p, `"http://127.0.0.1:8400"`)
	assert.Contains(t, p, `"secret-token"`)
	assert.Contains(t, p, "X-Lease-Id")
	// The shim is plain stdlib Python; nothing to install on the robot.
	assert.False(t, strings.Contains(p, "import requests"))
}
