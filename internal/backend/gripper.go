// internal/backend/gripper.go
// Request/reply adapter for the parallel-jaw gripper controller.
package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// GripperConfig parameterises the gripper adapter.
type GripperConfig struct {
	Addr           string
	RequestTimeout time.Duration
}

type gripperAdapter struct {
	statusCell
	client *ndjsonClient

	mu    sync.Mutex
	state robot.GripperState
}

// NewGripper constructs the real gripper adapter.
func NewGripper(cfg GripperConfig) Gripper {
	g := &gripperAdapter{}
	g.client = newNDJSONClient(cfg.Addr, cfg.RequestTimeout, &g.statusCell)
	return g
}

func (g *gripperAdapter) Connect(ctx context.Context) error { return g.client.connect(ctx) }
func (g *gripperAdapter) Close() error                      { return g.client.close() }

func (g *gripperAdapter) Do(ctx context.Context, cmd robot.GripperCommand) error {
	if !g.IsConnected() {
		return ErrUnavailable
	}
	req := map[string]any{"op": string(cmd.Action)}
	if cmd.Width > 0 {
		req["width"] = cmd.Width
	}
	if cmd.Speed > 0 {
		req["speed"] = cmd.Speed
	}
	if cmd.Force > 0 {
		req["force"] = cmd.Force
	}
	var rep reply
	if err := g.client.roundTrip(ctx, req, &rep); err != nil {
		return err
	}
	if err := rep.err(); err != nil {
		return err
	}
	g.applyReportedState(rep.State)
	return nil
}

func (g *gripperAdapter) State() robot.GripperState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Poll issues one state round-trip for the aggregator.
func (g *gripperAdapter) Poll(ctx context.Context) error {
	if !g.IsConnected() {
		return ErrUnavailable
	}
	var rep reply
	if err := g.client.roundTrip(ctx, map[string]any{"op": "state"}, &rep); err != nil {
		return err
	}
	if err := rep.err(); err != nil {
		return err
	}
	g.applyReportedState(rep.State)
	return nil
}

func (g *gripperAdapter) applyReportedState(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var st robot.GripperState
	if err := json.Unmarshal(raw, &st); err != nil {
		return
	}
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
}
