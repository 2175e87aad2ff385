// internal/lease/coordinator.go
// Package lease implements the gateway's exclusive-access coordinator: at
// most one holder may send mutating commands at any instant.  The lease id
// is an unforgeable random capability token; callers present it on every
// mutating request and the coordinator compares it in constant time.  Waiters
// queue FIFO and are promoted on release or revocation.
//
// Locking discipline: one mutex guards all state; no I/O and no adapter
// calls ever happen under it, so authorize stays cheap on the command hot
// path.  The background revoker is a single re-armed timer; on simultaneous
// explicit release and expiry, release wins (the timer callback re-checks
// the deadline under the mutex and aborts if the lease changed since it was
// armed).
package lease

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
	"github.com/shaoyifei96/tidybot-agent-server/internal/util"
)

var (
	// ErrNotHolder is returned when a presented token does not match the
	// current lease.
	ErrNotHolder = errors.New("not_holder")
	// ErrExpired is returned when a presented token matches the most
	// recently revoked lease and that lease was revoked by idle or TTL
	// expiry; a released or shut-down lease's token reads ErrNotHolder.
	ErrExpired = errors.New("lease_expired")
	// ErrNoSuchTicket is returned by Cancel for unknown ticket ids.
	ErrNoSuchTicket = errors.New("no such ticket")
)

// Config tunes lease lifetimes.
type Config struct {
	TTL         time.Duration // hard cap on one grant; 0 => 1h
	IdleTimeout time.Duration // revoke after inactivity; 0 => 2m
}

// Grant is the successful result of Acquire.
type Grant struct {
	Granted  bool   `json:"granted"`
	LeaseID  string `json:"lease_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Position int    `json:"position,omitempty"`
}

// QueueEntry is one anonymousised waiter for Status output.
type QueueEntry struct {
	Position int    `json:"position"`
	Holder   string `json:"holder"`
}

// Status is the public view of the coordinator.  It never carries the token.
type Status struct {
	Holder      string        `json:"holder,omitempty"`
	RemainingS  float64       `json:"remaining_s"`
	QueueLength int           `json:"queue_length"`
	Queue       []QueueEntry  `json:"queue"`
}

type waiter struct {
	ticketID   string
	holder     string
	enqueuedAt time.Time
	promoted   chan string // receives the lease id on promotion; nil for async waiters
}

type held struct {
	id           string
	holder       string
	grantedAt    time.Time
	lastActivity time.Time
}

// Coordinator is the process-wide lease singleton.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	cur     *held
	lastRevoked string // token of the most recently revoked lease
	queue   []*waiter
	timer   *time.Timer
	closed  bool
}

// New constructs a coordinator with the given lifetimes.
func New(cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Coordinator{cfg: cfg}
}

// Acquire grants the lease when free, returns the existing grant when the
// caller already holds it (idempotent recovery, resets the idle timer), and
// queues otherwise.
func (c *Coordinator) Acquire(holder string) Grant {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil && c.cur.holder == holder {
		c.cur.lastActivity = time.Now()
		c.rearmLocked()
		return Grant{Granted: true, LeaseID: c.cur.id}
	}
	if c.cur == nil {
		// A holder with a pending ticket acquiring at the instant of
		// promotion keeps its queue slot consumed.
		c.dropTicketsLocked(holder)
		return Grant{Granted: true, LeaseID: c.grantLocked(holder)}
	}

	// Re-enqueueing under the same holder returns the existing ticket.
	for i, w := range c.queue {
		if w.holder == holder {
			return Grant{TicketID: w.ticketID, Position: i + 1}
		}
	}
	w := &waiter{ticketID: util.MustNew(), holder: holder, enqueuedAt: time.Now()}
	c.queue = append(c.queue, w)
	metrics.LeaseQueueLength.Set(float64(len(c.queue)))
	return Grant{TicketID: w.ticketID, Position: len(c.queue)}
}

// WaitAcquire blocks until the holder is granted the lease or ctx is done.
// Cancellation removes the queued ticket.
func (c *Coordinator) WaitAcquire(ctx context.Context, holder string) (string, error) {
	c.mu.Lock()
	if c.cur != nil && c.cur.holder == holder {
		id := c.cur.id
		c.cur.lastActivity = time.Now()
		c.rearmLocked()
		c.mu.Unlock()
		return id, nil
	}
	if c.cur == nil {
		c.dropTicketsLocked(holder)
		id := c.grantLocked(holder)
		c.mu.Unlock()
		return id, nil
	}
	w := &waiter{
		ticketID:   util.MustNew(),
		holder:     holder,
		enqueuedAt: time.Now(),
		promoted:   make(chan string, 1),
	}
	c.queue = append(c.queue, w)
	metrics.LeaseQueueLength.Set(float64(len(c.queue)))
	c.mu.Unlock()

	select {
	case id := <-w.promoted:
		return id, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.removeWaiterLocked(w.ticketID)
		c.mu.Unlock()
		// Promotion may have raced the cancellation; surface it if so.
		select {
		case id := <-w.promoted:
			return id, nil
		default:
		}
		return "", ctx.Err()
	}
}

// Release revokes the lease iff token matches the current holder's, then
// promotes the queue head.
func (c *Coordinator) Release(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizeLocked(token); err != nil {
		return err
	}
	c.revokeLocked("release")
	return nil
}

// Extend validates the token and resets the idle timer.
func (c *Coordinator) Extend(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizeLocked(token); err != nil {
		return err
	}
	c.cur.lastActivity = time.Now()
	c.rearmLocked()
	return nil
}

// Authorize reports whether token is the current lease id.  Mutating command
// handlers call this before acting; Touch-on-success keeps the idle timer
// honest, so Authorize also counts as activity.
func (c *Coordinator) Authorize(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorizeLocked(token); err != nil {
		return err
	}
	c.cur.lastActivity = time.Now()
	c.rearmLocked()
	return nil
}

// Cancel removes a queued ticket.
func (c *Coordinator) Cancel(ticketID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeWaiterLocked(ticketID) {
		return ErrNoSuchTicket
	}
	return nil
}

// Status returns the public coordinator view.  The token never appears here.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Queue: []QueueEntry{}}
	if c.cur != nil {
		st.Holder = c.cur.holder
		idleLeft := c.cfg.IdleTimeout - time.Since(c.cur.lastActivity)
		ttlLeft := c.cfg.TTL - time.Since(c.cur.grantedAt)
		if ttlLeft < idleLeft {
			idleLeft = ttlLeft
		}
		if idleLeft < 0 {
			idleLeft = 0
		}
		st.RemainingS = idleLeft.Seconds()
	}
	for i, w := range c.queue {
		st.Queue = append(st.Queue, QueueEntry{Position: i + 1, Holder: w.holder})
	}
	st.QueueLength = len(c.queue)
	return st
}

// RevokeAll force-revokes the current lease and flushes the queue.  Used on
// shutdown.
func (c *Coordinator) RevokeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cur != nil {
		c.revokeCurrentLocked("shutdown")
	}
	c.queue = nil
	metrics.LeaseQueueLength.Set(0)
}

// --- internals (all assume c.mu held) --------------------------------------

func (c *Coordinator) authorizeLocked(token string) error {
	if c.cur == nil || subtle.ConstantTimeCompare([]byte(token), []byte(c.cur.id)) != 1 {
		if c.lastRevoked != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.lastRevoked)) == 1 {
			return ErrExpired
		}
		return ErrNotHolder
	}
	return nil
}

func (c *Coordinator) grantLocked(holder string) string {
	now := time.Now()
	c.cur = &held{id: newToken(), holder: holder, grantedAt: now, lastActivity: now}
	c.rearmLocked()
	metrics.LeaseGrantsTotal.Inc()
	logging.Sugar().Infow("lease granted", "holder", holder)
	return c.cur.id
}

// revokeLocked tears down the current lease and promotes the queue head.
func (c *Coordinator) revokeLocked(cause string) {
	c.revokeCurrentLocked(cause)
	if c.closed || len(c.queue) == 0 {
		return
	}
	head := c.queue[0]
	c.queue = c.queue[1:]
	metrics.LeaseQueueLength.Set(float64(len(c.queue)))
	id := c.grantLocked(head.holder)
	if head.promoted != nil {
		head.promoted <- id
	}
}

func (c *Coordinator) revokeCurrentLocked(cause string) {
	if c.cur == nil {
		return
	}
	logging.Sugar().Infow("lease revoked", "holder", c.cur.holder, "cause", cause)
	metrics.LeaseRevocationsTotal.WithLabelValues(cause).Inc()
	// Only expiry keeps the dead token around for lease_expired answers; an
	// explicitly released token reads as not_holder.
	if cause == "idle" || cause == "ttl" {
		c.lastRevoked = c.cur.id
	} else {
		c.lastRevoked = ""
	}
	c.cur = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// rearmLocked programs the revoker timer to the earliest of the TTL and idle
// deadlines for the current lease.
func (c *Coordinator) rearmLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cur == nil {
		return
	}
	ttlAt := c.cur.grantedAt.Add(c.cfg.TTL)
	idleAt := c.cur.lastActivity.Add(c.cfg.IdleTimeout)
	at := ttlAt
	if idleAt.Before(at) {
		at = idleAt
	}
	id := c.cur.id
	c.timer = time.AfterFunc(time.Until(at), func() { c.revokeIfDue(id) })
}

// revokeIfDue fires from the timer goroutine.  It re-validates that the same
// lease is still held and its deadline has genuinely arrived; an extend or
// release between arming and firing wins.
func (c *Coordinator) revokeIfDue(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.id != id {
		return
	}
	now := time.Now()
	idleExpired := now.Sub(c.cur.lastActivity) >= c.cfg.IdleTimeout
	ttlExpired := now.Sub(c.cur.grantedAt) >= c.cfg.TTL
	switch {
	case ttlExpired:
		c.revokeLocked("ttl")
	case idleExpired:
		c.revokeLocked("idle")
	default:
		c.rearmLocked() // extended since arming
	}
}

func (c *Coordinator) removeWaiterLocked(ticketID string) bool {
	for i, w := range c.queue {
		if w.ticketID == ticketID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			metrics.LeaseQueueLength.Set(float64(len(c.queue)))
			return true
		}
	}
	return false
}

func (c *Coordinator) dropTicketsLocked(holder string) {
	kept := c.queue[:0]
	for _, w := range c.queue {
		if w.holder != holder {
			kept = append(kept, w)
		}
	}
	c.queue = kept
	metrics.LeaseQueueLength.Set(float64(len(c.queue)))
}

// newToken mints the capability token: 32 bytes of crypto randomness, hex
// encoded.  ULIDs are not used here — they embed a timestamp and monotonic
// counter, which makes them guessable.
func newToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(b[:])
}
