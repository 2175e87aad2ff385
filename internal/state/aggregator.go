// internal/state/aggregator.go
// Package state aggregates backend telemetry into immutable snapshots and
// fans them out to subscribers.  One poller goroutine per request/reply
// backend writes into a per-subsystem slot (the arm adapter's own streamer
// keeps its slot fresh); a single publisher goroutine composes the latest
// slots into a Snapshot at the publish rate and pushes it to every
// subscriber through a conflating, capacity-one channel — a slow reader
// always sees the newest snapshot, never a growing backlog.
package state

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// Config tunes the aggregator's rates.
type Config struct {
	BasePollHz    float64       // 0 => 10
	GripperPollHz float64       // 0 => 10
	PublishHz     float64       // 0 => 20
	StaleAfter    time.Duration // slot age before stale=true; 0 => 1s
}

// ArmView is the arm's slot inside a snapshot.
type ArmView struct {
	State     robot.ArmState `json:"state"`
	Stale     bool           `json:"stale,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BaseView is the base's slot inside a snapshot.
type BaseView struct {
	State     robot.BaseState `json:"state"`
	Stale     bool            `json:"stale,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GripperView is the gripper's slot inside a snapshot.
type GripperView struct {
	State     robot.GripperState `json:"state"`
	Stale     bool               `json:"stale,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Snapshot is an immutable, timestamped composite of the latest per-backend
// states.  Published values are never mutated after composition.
type Snapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Arm       ArmView                   `json:"arm"`
	Base      BaseView                  `json:"base"`
	Gripper   GripperView               `json:"gripper"`
	Backends  map[string]backend.Status `json:"backends"`
}

type subscriber struct {
	ch  chan Snapshot
	lim *rate.Limiter
}

// Aggregator owns the pollers, the snapshot, and the subscriber registry.
type Aggregator struct {
	cfg  Config
	set  backend.Set

	mu       sync.RWMutex
	current  Snapshot
	armAt    time.Time
	baseAt   time.Time
	gripAt   time.Time
	subs     map[*subscriber]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New constructs an aggregator over the adapter set.
func New(cfg Config, set backend.Set) *Aggregator {
	if cfg.BasePollHz <= 0 {
		cfg.BasePollHz = 10
	}
	if cfg.GripperPollHz <= 0 {
		cfg.GripperPollHz = 10
	}
	if cfg.PublishHz <= 0 {
		cfg.PublishHz = 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Second
	}
	return &Aggregator{
		cfg:  cfg,
		set:  set,
		subs: make(map[*subscriber]struct{}),
		quit: make(chan struct{}),
	}
}

// Start launches pollers and the publisher.  Idempotent.
func (a *Aggregator) Start() {
	a.once.Do(func() {
		a.wg.Add(3)
		go a.pollLoop(a.cfg.BasePollHz, a.pollBase)
		go a.pollLoop(a.cfg.GripperPollHz, a.pollGripper)
		go a.publishLoop()
	})
}

// Stop terminates all loops and closes subscriber channels.
func (a *Aggregator) Stop() {
	close(a.quit)
	a.wg.Wait()
	a.mu.Lock()
	for s := range a.subs {
		close(s.ch)
		delete(a.subs, s)
	}
	a.mu.Unlock()
}

// Current returns the latest published snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Subscribe registers a snapshot consumer throttled to hz (0 means every
// publish).  The returned channel conflates: when the consumer lags, newer
// snapshots overwrite queued ones.  unregister is idempotent.
func (a *Aggregator) Subscribe(hz float64) (<-chan Snapshot, func()) {
	s := &subscriber{ch: make(chan Snapshot, 1)}
	if hz > 0 {
		s.lim = rate.NewLimiter(rate.Limit(hz), 1)
	}
	a.mu.Lock()
	a.subs[s] = struct{}{}
	a.mu.Unlock()
	metrics.Subscribers.Inc()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			a.mu.Lock()
			if _, ok := a.subs[s]; ok {
				delete(a.subs, s)
				close(s.ch)
			}
			a.mu.Unlock()
			metrics.Subscribers.Dec()
		})
	}
	return s.ch, unregister
}

func (a *Aggregator) pollLoop(hz float64, poll func(context.Context)) {
	defer a.wg.Done()
	t := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer t.Stop()
	for {
		select {
		case <-a.quit:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			poll(ctx)
			cancel()
		}
	}
}

func (a *Aggregator) pollBase(ctx context.Context) {
	if err := a.set.Base.Poll(ctx); err != nil {
		return // status cell carries the error; slot goes stale on its own
	}
	a.mu.Lock()
	a.baseAt = time.Now()
	a.mu.Unlock()
}

func (a *Aggregator) pollGripper(ctx context.Context) {
	if err := a.set.Gripper.Poll(ctx); err != nil {
		return
	}
	a.mu.Lock()
	a.gripAt = time.Now()
	a.mu.Unlock()
}

// publishLoop composes and fans out snapshots.  It is the only goroutine
// that stamps snapshot timestamps, which makes monotonicity structural.
func (a *Aggregator) publishLoop() {
	defer a.wg.Done()
	t := time.NewTicker(time.Duration(float64(time.Second) / a.cfg.PublishHz))
	defer t.Stop()
	for {
		select {
		case <-a.quit:
			return
		case <-t.C:
			snap := a.compose()
			a.mu.Lock()
			if !snap.Timestamp.After(a.current.Timestamp) {
				a.mu.Unlock()
				continue
			}
			a.current = snap
			for s := range a.subs {
				if s.lim != nil && !s.lim.Allow() {
					continue
				}
				// Conflate: drop the stale queued snapshot, then push.
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- snap:
				default:
				}
			}
			a.mu.Unlock()
		}
	}
}

func (a *Aggregator) compose() Snapshot {
	now := time.Now()
	a.mu.RLock()
	armAt, baseAt, gripAt := a.armAt, a.baseAt, a.gripAt
	a.mu.RUnlock()

	// The arm adapter's streamer refreshes its own state; its slot is fresh
	// whenever the connection is up.
	if a.set.Arm.IsConnected() {
		armAt = now
		a.mu.Lock()
		a.armAt = now
		a.mu.Unlock()
	}

	stale := func(at time.Time, connected bool) bool {
		return !connected || at.IsZero() || now.Sub(at) > a.cfg.StaleAfter
	}

	snap := Snapshot{
		Timestamp: now,
		Arm: ArmView{
			State:     a.set.Arm.State(),
			Stale:     stale(armAt, a.set.Arm.IsConnected()),
			UpdatedAt: armAt,
		},
		Base: BaseView{
			State:     a.set.Base.State(),
			Stale:     stale(baseAt, a.set.Base.IsConnected()),
			UpdatedAt: baseAt,
		},
		Gripper: GripperView{
			State:     a.set.Gripper.State(),
			Stale:     stale(gripAt, a.set.Gripper.IsConnected()),
			UpdatedAt: gripAt,
		},
		Backends: map[string]backend.Status{
			"arm":     a.set.Arm.Status(),
			"base":    a.set.Base.Status(),
			"gripper": a.set.Gripper.Status(),
			"cameras": a.set.Cameras.Status(),
		},
	}
	for name, st := range snap.Backends {
		v := 0.0
		if st.Connected {
			v = 1.0
		}
		metrics.BackendConnected.WithLabelValues(name).Set(v)
	}
	return snap
}
