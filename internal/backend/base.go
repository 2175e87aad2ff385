// internal/backend/base.go
// Request/reply adapter for the holonomic base server (~10–50 Hz RPC).  One
// operation is one round-trip; FIFO ordering falls out of the shared
// ndjsonClient mutex.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// BaseConfig parameterises the base adapter.
type BaseConfig struct {
	Addr           string
	RequestTimeout time.Duration
}

type baseAdapter struct {
	statusCell
	client *ndjsonClient

	mu    sync.Mutex
	state robot.BaseState
}

// NewBase constructs the real base adapter.
func NewBase(cfg BaseConfig) Base {
	b := &baseAdapter{}
	b.client = newNDJSONClient(cfg.Addr, cfg.RequestTimeout, &b.statusCell)
	return b
}

func (b *baseAdapter) Connect(ctx context.Context) error { return b.client.connect(ctx) }
func (b *baseAdapter) Close() error                      { return b.client.close() }

func (b *baseAdapter) MoveTo(ctx context.Context, pose robot.BasePose) error {
	return b.call(ctx, map[string]any{"op": "move_to", "x": pose.X, "y": pose.Y, "theta": pose.Theta})
}

func (b *baseAdapter) SetVelocity(ctx context.Context, v robot.BaseVelocity) error {
	frame := v.Frame
	if frame == "" {
		frame = "body"
	}
	return b.call(ctx, map[string]any{"op": "velocity", "vx": v.VX, "vy": v.VY, "wz": v.WZ, "frame": frame})
}

func (b *baseAdapter) Stop(ctx context.Context) error {
	return b.call(ctx, map[string]any{"op": "stop"})
}

func (b *baseAdapter) State() robot.BaseState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Poll issues one state round-trip; the aggregator calls this at ~10 Hz.
func (b *baseAdapter) Poll(ctx context.Context) error {
	return b.call(ctx, map[string]any{"op": "state"})
}

func (b *baseAdapter) call(ctx context.Context, req map[string]any) error {
	if !b.IsConnected() {
		return ErrUnavailable
	}
	var rep reply
	if err := b.client.roundTrip(ctx, req, &rep); err != nil {
		return err
	}
	if err := rep.err(); err != nil {
		return err
	}
	b.applyReportedState(rep.State)
	return nil
}

func (b *baseAdapter) applyReportedState(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var st robot.BaseState
	if err := json.Unmarshal(raw, &st); err != nil {
		return
	}
	b.mu.Lock()
	b.state = st
	b.mu.Unlock()
}
