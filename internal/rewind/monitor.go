// internal/rewind/monitor.go
// Auto-rewind monitor: a 5 Hz watcher over the aggregator's snapshot that
// triggers a bounded rewind when the observed state violates the safety
// envelope.  It never fires while a rewind is active, and it backs off for
// one full violation-clear cycle after triggering so a slow recovery does
// not cascade into repeated rewinds.
package rewind

import (
	"context"
	"sync"
	"time"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// SnapshotFunc returns the latest observed arm and base state.  Indirected
// over the aggregator to keep this package free of a state dependency cycle.
type SnapshotFunc func() (arm robot.ArmState, base robot.BaseState, fresh bool)

// Monitor polls the snapshot and fires the engine on envelope violations.
type Monitor struct {
	engine   *Engine
	snapshot SnapshotFunc
	limits   LimitsFunc
	hz       float64

	mu        sync.Mutex
	triggered bool // latched until the violation clears

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMonitor constructs a monitor polling at hz (0 => 5).
func NewMonitor(engine *Engine, snapshot SnapshotFunc, limits LimitsFunc, hz float64) *Monitor {
	if hz <= 0 {
		hz = 5
	}
	return &Monitor{engine: engine, snapshot: snapshot, limits: limits, hz: hz, quit: make(chan struct{})}
}

// Start launches the polling goroutine.  Idempotent.
func (m *Monitor) Start() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop terminates the monitor.
func (m *Monitor) Stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	t := time.NewTicker(time.Duration(float64(time.Second) / m.hz))
	defer t.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-t.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	cfg := m.engine.Config()
	if !cfg.AutoRewindEnabled || m.engine.Active() {
		return
	}
	arm, base, fresh := m.snapshot()
	if !fresh {
		return // stale telemetry is no basis for autonomous motion
	}
	v := safety.CheckState(arm, base, m.limits())

	m.mu.Lock()
	if v.OK {
		m.triggered = false
		m.mu.Unlock()
		return
	}
	if m.triggered {
		m.mu.Unlock()
		return
	}
	m.triggered = true
	m.mu.Unlock()

	logging.Sugar().Warnw("auto-rewind triggered", "reason", v.Reason, "steps", cfg.AutoRewindSteps)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := m.engine.Rewind(ctx, Request{Steps: cfg.AutoRewindSteps}); err != nil {
			logging.Sugar().Warnw("auto-rewind", "err", err)
		}
	}()
}
