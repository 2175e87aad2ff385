package lease

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(ttl, idle time.Duration) *Coordinator {
	return New(Config{TTL: ttl, IdleTimeout: idle})
}

func TestAcquireGrantReleaseCycle(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)

	g := c.Acquire("a")
	require.True(t, g.Granted)
	require.NotEmpty(t, g.LeaseID)

	require.NoError(t, c.Extend(g.LeaseID))
	require.NoError(t, c.Release(g.LeaseID))

	// The released token is dead.
	assert.ErrorIs(t, c.Extend(g.LeaseID), ErrNotHolder)
}

func TestReacquireSameHolderIsIdempotent(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)

	g1 := c.Acquire("a")
	g2 := c.Acquire("a")
	require.True(t, g2.Granted)
	assert.Equal(t, g1.LeaseID, g2.LeaseID)
	assert.Equal(t, 0, c.Status().QueueLength)
}

func TestAuthorizeOnlyCurrentToken(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	g := c.Acquire("a")

	require.NoError(t, c.Authorize(g.LeaseID))
	assert.ErrorIs(t, c.Authorize("bogus"), ErrNotHolder)
	assert.ErrorIs(t, c.Authorize(""), ErrNotHolder)
}

func TestQueueFairnessAndPromotion(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)

	a := c.Acquire("a")
	require.True(t, a.Granted)

	b := c.Acquire("b")
	require.False(t, b.Granted)
	assert.Equal(t, 1, b.Position)

	d := c.Acquire("d")
	require.False(t, d.Granted)
	assert.Equal(t, 2, d.Position)

	require.NoError(t, c.Release(a.LeaseID))

	// Head of the queue is promoted immediately.
	st := c.Status()
	assert.Equal(t, "b", st.Holder)
	assert.Equal(t, 1, st.QueueLength)

	// b recovers its lease id through idempotent re-acquire.
	g := c.Acquire("b")
	require.True(t, g.Granted)
	require.NoError(t, c.Release(g.LeaseID))
	assert.Equal(t, "d", c.Status().Holder)
	assert.Equal(t, 0, c.Status().QueueLength)
}

func TestIdleRevocation(t *testing.T) {
	c := newTestCoordinator(time.Hour, 50*time.Millisecond)

	g := c.Acquire("a")
	require.True(t, g.Granted)

	require.Eventually(t, func() bool {
		return c.Status().Holder == ""
	}, time.Second, 10*time.Millisecond)

	// Any holder may acquire now.
	g2 := c.Acquire("b")
	assert.True(t, g2.Granted)
	assert.ErrorIs(t, c.Authorize(g.LeaseID), ErrExpired)
}

func TestExtendPostponesIdleRevocation(t *testing.T) {
	c := newTestCoordinator(time.Hour, 120*time.Millisecond)
	g := c.Acquire("a")

	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, c.Extend(g.LeaseID), "iteration %d", i)
	}
	assert.Equal(t, "a", c.Status().Holder)
}

func TestTTLRevocationDespiteActivity(t *testing.T) {
	c := newTestCoordinator(150*time.Millisecond, time.Hour)
	g := c.Acquire("a")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.Status().Holder != "" {
		_ = c.Extend(g.LeaseID) // activity must not outlive the TTL
		time.Sleep(20 * time.Millisecond)
	}
	assert.Empty(t, c.Status().Holder)
}

func TestStatusNeverLeaksToken(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	g := c.Acquire("a")
	c.Acquire("b")

	buf, err := json.Marshal(c.Status())
	require.NoError(t, err)
	assert.NotContains(t, string(buf), g.LeaseID)
}

func TestCancelTicket(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	a := c.Acquire("a")
	b := c.Acquire("b")

	require.NoError(t, c.Cancel(b.TicketID))
	assert.ErrorIs(t, c.Cancel(b.TicketID), ErrNoSuchTicket)

	require.NoError(t, c.Release(a.LeaseID))
	assert.Empty(t, c.Status().Holder)
}

func TestWaitAcquireBlocksUntilPromotion(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	a := c.Acquire("a")

	got := make(chan string, 1)
	go func() {
		id, err := c.WaitAcquire(context.Background(), "b")
		if err == nil {
			got <- id
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Release(a.LeaseID))

	select {
	case id := <-got:
		require.NoError(t, c.Authorize(id))
		assert.Equal(t, "b", c.Status().Holder)
	case <-time.After(time.Second):
		t.Fatal("waiter was not promoted")
	}
}

func TestWaitAcquireCancellation(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	a := c.Acquire("a")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitAcquire(ctx, "b")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, c.Status().QueueLength)
	_ = a
}

// At most one lease is held for any interleaving of concurrent acquires and
// releases, and only the current token authorizes.
func TestLeaseUniquenessUnderContention(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)

	var wg sync.WaitGroup
	holders := []string{"a", "b", "d", "e"}
	for _, h := range holders {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				g := c.Acquire(h)
				if g.Granted {
					require.NoError(t, c.Authorize(g.LeaseID))
					_ = c.Release(g.LeaseID)
				} else {
					_ = c.Cancel(g.TicketID)
				}
			}
		}(h)
	}
	wg.Wait()

	st := c.Status()
	if st.Holder != "" {
		assert.True(t, strings.Contains("abde", st.Holder))
	}
}

func TestRevokeAllFlushesQueue(t *testing.T) {
	c := newTestCoordinator(time.Hour, time.Hour)
	g := c.Acquire("a")
	c.Acquire("b")

	c.RevokeAll()
	assert.Empty(t, c.Status().Holder)
	assert.Equal(t, 0, c.Status().QueueLength)
	assert.ErrorIs(t, c.Authorize(g.LeaseID), ErrNotHolder)
}
