// internal/backend/arm.go
// Streaming adapter for the arm control loop.  The controller expects
// commands at ~50 Hz and holds position when they stop, so the adapter owns a
// single streamer goroutine: callers install a target with Move and the
// streamer re-emits it at the configured rate until a new target arrives or
// the adapter stops.  Every emitted frame's reply carries the controller's
// reported state, which doubles as the aggregator's arm view.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// ArmConfig parameterises the arm adapter.
type ArmConfig struct {
	Addr           string
	StreamHz       float64       // target emit rate; 0 => 50
	RequestTimeout time.Duration // per round-trip; 0 => 2s
}

type armAdapter struct {
	statusCell
	cfg    ArmConfig
	client *ndjsonClient

	mu         sync.Mutex
	mode       robot.ArmMode
	target     []float64 // nil when idle
	targetMode robot.ArmMode
	state      robot.ArmState

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewArm constructs the real arm adapter.  Connect starts the streamer.
func NewArm(cfg ArmConfig) Arm {
	if cfg.StreamHz <= 0 {
		cfg.StreamHz = 50
	}
	a := &armAdapter{cfg: cfg, quit: make(chan struct{})}
	a.client = newNDJSONClient(cfg.Addr, cfg.RequestTimeout, &a.statusCell)
	a.state.Mode = robot.ArmModeIdle
	return a
}

func (a *armAdapter) Connect(ctx context.Context) error {
	if err := a.client.connect(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.started {
		a.started = true
		a.wg.Add(1)
		go a.streamLoop()
	}
	a.mu.Unlock()
	return nil
}

func (a *armAdapter) Close() error {
	a.mu.Lock()
	if a.started {
		a.started = false
		close(a.quit)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return a.client.close()
}

func (a *armAdapter) SetMode(ctx context.Context, mode robot.ArmMode) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	var rep reply
	if err := a.client.roundTrip(ctx, map[string]any{"op": "set_mode", "mode": string(mode)}, &rep); err != nil {
		return err
	}
	if err := rep.err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.mode = mode
	a.target = nil // a mode switch invalidates the streamed target
	a.state.Mode = mode
	a.mu.Unlock()
	return nil
}

func (a *armAdapter) Move(_ context.Context, mode robot.ArmMode, values []float64) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != mode {
		return errors.Newf("arm is in mode %s, command wants %s", a.mode, mode)
	}
	a.target = append([]float64(nil), values...)
	a.targetMode = mode
	return nil
}

func (a *armAdapter) Hold(ctx context.Context) error {
	if !a.IsConnected() {
		return ErrUnavailable
	}
	a.mu.Lock()
	joints := a.state.Joints
	a.mu.Unlock()
	if err := a.SetMode(ctx, robot.ArmModeJointPosition); err != nil {
		return err
	}
	return a.Move(ctx, robot.ArmModeJointPosition, joints.Slice())
}

func (a *armAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.target = nil
	a.mu.Unlock()
	if !a.IsConnected() {
		return ErrUnavailable
	}
	var rep reply
	if err := a.client.roundTrip(ctx, map[string]any{"op": "stop"}, &rep); err != nil {
		return err
	}
	return rep.err()
}

func (a *armAdapter) State() robot.ArmState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// streamLoop is the single consumer of the installed target.  While a target
// is present it is re-emitted at StreamHz; otherwise the loop downshifts to a
// 10 Hz state poll so the aggregator still sees fresh joints.
func (a *armAdapter) streamLoop() {
	defer a.wg.Done()
	lim := rate.NewLimiter(rate.Limit(a.cfg.StreamHz), 1)
	pollEvery := int(a.cfg.StreamHz / 10)
	if pollEvery < 1 {
		pollEvery = 1
	}
	tick := 0
	for {
		select {
		case <-a.quit:
			return
		default:
		}
		if err := lim.Wait(context.Background()); err != nil {
			return
		}
		a.mu.Lock()
		target := a.target
		mode := a.targetMode
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout+defaultRequestTimeout)
		var rep reply
		var err error
		switch {
		case target != nil:
			err = a.client.roundTrip(ctx, map[string]any{"op": "target", "mode": string(mode), "values": target}, &rep)
		case tick%pollEvery == 0:
			err = a.client.roundTrip(ctx, map[string]any{"op": "state"}, &rep)
		}
		cancel()
		tick++
		if err != nil {
			continue // status cell already updated; redial runs in background
		}
		a.applyReportedState(rep.State)
	}
}

func (a *armAdapter) applyReportedState(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var st robot.ArmState
	if err := json.Unmarshal(raw, &st); err != nil {
		logging.Sugar().Debugw("arm state decode", "err", err)
		return
	}
	a.mu.Lock()
	st.Mode = a.mode
	a.state = st
	a.mu.Unlock()
}
