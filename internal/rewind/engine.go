// internal/rewind/engine.go
// Package rewind replays recorded motion in reverse: the trajectory ring's
// newest waypoints stream back through the adapters, arm chunks as 50 Hz
// cubic-interpolated setpoints, base chunks as absolute pose targets with
// settle waits, gripper entries as discrete widths.  One rewind may run per
// process; a second start fails with ErrBusy before touching any adapter.
package rewind

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/internal/trajectory"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

// ErrBusy is returned when a rewind is already active.
var ErrBusy = errors.New("busy")

// Config tunes chunking, pacing and tolerances.  All fields are readable and
// updatable at runtime via GET|PUT /rewind/config.
type Config struct {
	ChunkSize          int     `json:"chunk_size"`           // waypoints per chunk; 0 => 10
	ChunkDurationS     float64 `json:"chunk_duration_s"`     // seconds per chunk; 0 => 2
	SettleTimeS        float64 `json:"settle_time_s"`        // pause between chunks; 0 => 0.5
	StreamHz           float64 `json:"stream_hz"`            // arm setpoint rate; 0 => 50
	JointToleranceRad  float64 `json:"joint_tolerance_rad"`  // per joint; 0 => 0.01
	CartToleranceM     float64 `json:"cart_tolerance_m"`     // per axis; 0 => 0.005
	BaseToleranceM     float64 `json:"base_tolerance_m"`     // planar; 0 => 0.02
	BaseToleranceRad   float64 `json:"base_tolerance_rad"`   // heading; 0 => 0.05
	AutoRewindSteps    int     `json:"auto_rewind_steps"`    // monitor trigger size; 0 => 10
	AutoRewindEnabled  bool    `json:"auto_rewind_enabled"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.ChunkDurationS <= 0 {
		c.ChunkDurationS = 2
	}
	if c.SettleTimeS <= 0 {
		c.SettleTimeS = 0.5
	}
	if c.StreamHz <= 0 {
		c.StreamHz = 50
	}
	if c.JointToleranceRad <= 0 {
		c.JointToleranceRad = 0.01
	}
	if c.CartToleranceM <= 0 {
		c.CartToleranceM = 0.005
	}
	if c.BaseToleranceM <= 0 {
		c.BaseToleranceM = 0.02
	}
	if c.BaseToleranceRad <= 0 {
		c.BaseToleranceRad = 0.05
	}
	if c.AutoRewindSteps <= 0 {
		c.AutoRewindSteps = 10
	}
	return c
}

// Request selects how far to rewind.  Exactly one of Steps, Percentage,
// ToIndex (>= 0) or ToLastSafe should be set; all forms resolve to a list of
// waypoints in reverse chronological order.
type Request struct {
	Steps      int      `json:"steps,omitempty"`
	Percentage float64  `json:"percentage,omitempty"`
	ToIndex    *int     `json:"to_index,omitempty"`
	ToLastSafe bool     `json:"to_last_safe,omitempty"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

// Result reports a finished (or aborted) rewind.
type Result struct {
	Success      bool                  `json:"success"`
	StepsRewound int                   `json:"steps_rewound"`
	AbortedAt    int                   `json:"aborted_at,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	Stopped      bool                  `json:"stopped,omitempty"`
	Targets      []trajectory.Waypoint `json:"-"` // issue-order target trace, newest recorded first
}

// Status is the public /rewind/status view.
type Status struct {
	IsRewinding bool      `json:"is_rewinding"`
	StepsTotal  int       `json:"steps_total,omitempty"`
	StepsDone   int       `json:"steps_done,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	DryRun      bool      `json:"dry_run,omitempty"`
}

// LimitsFunc returns the current safety envelope; indirected so config
// updates apply to in-flight rewinds' next target.
type LimitsFunc func() safety.Limits

// Engine is the process-wide rewind singleton.
type Engine struct {
	set      backend.Set
	recorder *trajectory.Recorder
	limits   LimitsFunc

	cfgMu sync.RWMutex
	cfg   Config

	active   atomic.Bool
	runMu    sync.Mutex // guards cancel + progress
	cancel   context.CancelFunc
	progress Status

	resMu sync.Mutex // guards the in-flight Result during paired chunks
}

// New constructs the engine.
func New(cfg Config, set backend.Set, rec *trajectory.Recorder, limits LimitsFunc) *Engine {
	return &Engine{set: set, recorder: rec, limits: limits, cfg: cfg.withDefaults()}
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig replaces the configuration (defaults re-applied).
func (e *Engine) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
}

// Active reports whether a rewind is executing.
func (e *Engine) Active() bool { return e.active.Load() }

// Status returns the live progress view.
func (e *Engine) Status() Status {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	st := e.progress
	st.IsRewinding = e.active.Load()
	return st
}

// Stop cancels the active rewind, if any.  The run itself issues the arm and
// base stops and returns in the stopped state.
func (e *Engine) Stop() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// Rewind executes one reverse replay.  It returns ErrBusy without touching
// any adapter when another rewind is active.
func (e *Engine) Rewind(ctx context.Context, req Request) (Result, error) {
	if !e.active.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer e.active.Store(false)
	metrics.RewindActive.Set(1)
	defer metrics.RewindActive.Set(0)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	waypoints := e.resolve(req)
	e.runMu.Lock()
	e.cancel = cancel
	e.progress = Status{StepsTotal: len(waypoints), StartedAt: time.Now(), DryRun: req.DryRun}
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.cancel = nil
		e.runMu.Unlock()
	}()

	res := e.run(runCtx, waypoints, req.DryRun)
	switch {
	case res.Stopped:
		metrics.RewindsTotal.WithLabelValues("stopped").Inc()
	case res.Success:
		metrics.RewindsTotal.WithLabelValues("completed").Inc()
	default:
		metrics.RewindsTotal.WithLabelValues("aborted").Inc()
	}
	return res, nil
}

// resolve turns the request into the reverse-chronological waypoint list.
func (e *Engine) resolve(req Request) []trajectory.Waypoint {
	total := e.recorder.Len()
	switch {
	case req.Steps > 0:
		return e.recorder.ReverseSlice(req.Steps)
	case req.Percentage > 0:
		n := int(float64(total) * req.Percentage / 100.0)
		return e.recorder.ReverseSlice(n)
	case req.ToIndex != nil && *req.ToIndex >= 0 && *req.ToIndex < total:
		return e.recorder.ReverseSlice(total - *req.ToIndex)
	case req.ToLastSafe:
		return e.lastSafePrefix()
	}
	return nil
}

// lastSafePrefix walks backwards to the newest waypoint whose target still
// validates, and rewinds everything recorded after it.
func (e *Engine) lastSafePrefix() []trajectory.Waypoint {
	all := e.recorder.Snapshot()
	lim := e.limits()
	for i := len(all) - 1; i >= 0; i-- {
		if e.validateTarget(all[i], lim).OK {
			return e.recorder.ReverseSlice(len(all) - 1 - i)
		}
	}
	return e.recorder.ReverseSlice(len(all))
}

// chunk is a run of consecutive same-kind waypoints executed as one motion.
type chunk struct {
	kind      trajectory.Kind
	waypoints []trajectory.Waypoint
	firstT    time.Time
	lastT     time.Time
}

func buildChunks(ws []trajectory.Waypoint, size int) []chunk {
	var out []chunk
	for _, w := range ws {
		n := len(out)
		if n == 0 || out[n-1].kind != w.Kind || len(out[n-1].waypoints) >= size {
			out = append(out, chunk{kind: w.Kind, firstT: w.T, lastT: w.T})
			n++
		}
		c := &out[n-1]
		c.waypoints = append(c.waypoints, w)
		// Reverse-ordered input: waypoint times decrease along the chunk.
		if w.T.Before(c.lastT) {
			c.lastT = w.T
		}
		if w.T.After(c.firstT) {
			c.firstT = w.T
		}
	}
	return out
}

// overlaps reports whether two chunks cover the same source-time window,
// meaning arm and base moved together when recorded and must be replayed
// together.
func overlaps(a, b chunk) bool {
	return !a.lastT.After(b.firstT) && !b.lastT.After(a.firstT)
}

func isArmKind(k trajectory.Kind) bool {
	return k == trajectory.KindArmJoint || k == trajectory.KindArmCartesian
}

func (e *Engine) run(ctx context.Context, ws []trajectory.Waypoint, dryRun bool) Result {
	cfg := e.Config()
	res := Result{}
	if len(ws) == 0 {
		res.Success = true
		return res
	}

	chunks := buildChunks(ws, cfg.ChunkSize)
	for i := 0; i < len(chunks); i++ {
		if err := ctx.Err(); err != nil {
			return e.stopped(ctx, res)
		}

		// Pair an arm chunk with an adjacent base chunk that shares its
		// source-time window; both must complete before advancing.
		if i+1 < len(chunks) &&
			((isArmKind(chunks[i].kind) && chunks[i+1].kind == trajectory.KindBasePose) ||
				(chunks[i].kind == trajectory.KindBasePose && isArmKind(chunks[i+1].kind))) &&
			overlaps(chunks[i], chunks[i+1]) {

			armC, baseC := chunks[i], chunks[i+1]
			if !isArmKind(armC.kind) {
				armC, baseC = baseC, armC
			}
			var wg sync.WaitGroup
			var armRes, baseRes chunkResult
			wg.Add(2)
			go func() { defer wg.Done(); armRes = e.runArmChunk(ctx, cfg, armC, dryRun, &res) }()
			go func() { defer wg.Done(); baseRes = e.runBaseChunk(ctx, cfg, baseC, dryRun, &res) }()
			wg.Wait()
			if armRes.stopped || baseRes.stopped {
				return e.stopped(ctx, res)
			}
			if armRes.reason != "" {
				return e.aborted(res, armRes.reason)
			}
			if baseRes.reason != "" {
				return e.aborted(res, baseRes.reason)
			}
			i++ // consumed the pair
		} else {
			var cr chunkResult
			switch {
			case isArmKind(chunks[i].kind):
				cr = e.runArmChunk(ctx, cfg, chunks[i], dryRun, &res)
			case chunks[i].kind == trajectory.KindBasePose:
				cr = e.runBaseChunk(ctx, cfg, chunks[i], dryRun, &res)
			default:
				cr = e.runGripperChunk(ctx, cfg, chunks[i], dryRun, &res)
			}
			if cr.stopped {
				return e.stopped(ctx, res)
			}
			if cr.reason != "" {
				return e.aborted(res, cr.reason)
			}
		}

		if i < len(chunks)-1 && !dryRun {
			if !sleepCtx(ctx, time.Duration(cfg.SettleTimeS*float64(time.Second))) {
				return e.stopped(ctx, res)
			}
		}
	}
	res.Success = true
	return res
}

type chunkResult struct {
	reason  string
	stopped bool
}

// runArmChunk streams the chunk's targets through the arm adapter: the mode
// is set once, then each recorded target is approached with cubic
// interpolation from the previous setpoint at StreamHz.
func (e *Engine) runArmChunk(ctx context.Context, cfg Config, c chunk, dryRun bool, res *Result) chunkResult {
	mode := robot.ArmModeJointPosition
	tol := cfg.JointToleranceRad
	if c.kind == trajectory.KindArmCartesian {
		mode = robot.ArmModeCartesianPose
		tol = cfg.CartToleranceM
	}
	lim := e.limits()

	if !dryRun {
		if err := e.set.Arm.SetMode(ctx, mode); err != nil {
			return chunkResult{reason: err.Error()}
		}
	}

	from := e.armStateVec(mode)
	perTarget := time.Duration(cfg.ChunkDurationS * float64(time.Second) / float64(len(c.waypoints)))
	steps := int(cfg.StreamHz * perTarget.Seconds())
	if steps < 1 {
		steps = 1
	}

	for _, w := range c.waypoints {
		if err := ctx.Err(); err != nil {
			return chunkResult{stopped: true}
		}
		if v := e.validateTarget(w, lim); !v.OK {
			return chunkResult{reason: v.Reason}
		}
		e.trace(res, w)

		if dryRun {
			e.stepDone(res)
			continue
		}

		deadline := time.Now().Add(perTarget)
		for s := 1; s <= steps; s++ {
			if err := ctx.Err(); err != nil {
				return chunkResult{stopped: true}
			}
			target := interpVec(from, w.Values, float64(s)/float64(steps))
			if v := safety.ValidateArm(mode, target, lim); !v.OK {
				return chunkResult{reason: v.Reason}
			}
			if err := e.set.Arm.Move(ctx, mode, target); err != nil {
				return chunkResult{reason: err.Error()}
			}
			if !sleepCtx(ctx, time.Duration(float64(time.Second)/cfg.StreamHz)) {
				return chunkResult{stopped: true}
			}
		}
		// Reached when within tolerance or the per-target window elapsed.
		for !withinTol(e.armStateVec(mode), w.Values, tol) && time.Now().Before(deadline) {
			if !sleepCtx(ctx, 10*time.Millisecond) {
				return chunkResult{stopped: true}
			}
		}
		e.recorder.Record(trajectory.Waypoint{Kind: c.kind, Values: w.Values, Source: trajectory.SourceRewind})
		from = append([]float64(nil), w.Values...)
		e.stepDone(res)
	}
	return chunkResult{}
}

// runBaseChunk replays absolute pose targets with settle waits.
func (e *Engine) runBaseChunk(ctx context.Context, cfg Config, c chunk, dryRun bool, res *Result) chunkResult {
	lim := e.limits()
	deadlinePer := time.Duration(cfg.ChunkDurationS * float64(time.Second) / float64(len(c.waypoints)))
	for _, w := range c.waypoints {
		if err := ctx.Err(); err != nil {
			return chunkResult{stopped: true}
		}
		pose := robot.BasePose{X: w.Values[0], Y: w.Values[1], Theta: w.Values[2]}
		if v := safety.ValidateBasePose(pose, lim); !v.OK {
			return chunkResult{reason: v.Reason}
		}
		e.trace(res, w)

		if dryRun {
			e.stepDone(res)
			continue
		}

		if err := e.set.Base.MoveTo(ctx, pose); err != nil {
			return chunkResult{reason: err.Error()}
		}
		deadline := time.Now().Add(deadlinePer)
		for time.Now().Before(deadline) {
			st := e.set.Base.State()
			if withinTol([]float64{st.Pose.X, st.Pose.Y}, []float64{pose.X, pose.Y}, cfg.BaseToleranceM) &&
				withinTol([]float64{st.Pose.Theta}, []float64{pose.Theta}, cfg.BaseToleranceRad) &&
				!st.Moving {
				break
			}
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return chunkResult{stopped: true}
			}
		}
		e.recorder.Record(trajectory.Waypoint{Kind: c.kind, Values: w.Values, Source: trajectory.SourceRewind})
		e.stepDone(res)
	}
	return chunkResult{}
}

// runGripperChunk replays discrete width targets; no streaming.
func (e *Engine) runGripperChunk(ctx context.Context, cfg Config, c chunk, dryRun bool, res *Result) chunkResult {
	lim := e.limits()
	for _, w := range c.waypoints {
		if err := ctx.Err(); err != nil {
			return chunkResult{stopped: true}
		}
		cmd := robot.GripperCommand{Action: robot.GripperMove, Width: w.Values[0]}
		cmd, v := safety.ValidateGripper(cmd, lim)
		if !v.OK {
			return chunkResult{reason: v.Reason}
		}
		e.trace(res, w)
		if dryRun {
			e.stepDone(res)
			continue
		}
		if err := e.set.Gripper.Do(ctx, cmd); err != nil {
			return chunkResult{reason: err.Error()}
		}
		e.recorder.Record(trajectory.Waypoint{Kind: c.kind, Values: w.Values, Source: trajectory.SourceRewind})
		e.stepDone(res)
	}
	return chunkResult{}
}

func (e *Engine) validateTarget(w trajectory.Waypoint, lim safety.Limits) safety.Verdict {
	switch w.Kind {
	case trajectory.KindArmJoint:
		return safety.ValidateArm(robot.ArmModeJointPosition, w.Values, lim)
	case trajectory.KindArmCartesian:
		return safety.ValidateArm(robot.ArmModeCartesianPose, w.Values, lim)
	case trajectory.KindBasePose:
		return safety.ValidateBasePose(robot.BasePose{X: w.Values[0], Y: w.Values[1], Theta: w.Values[2]}, lim)
	case trajectory.KindGripperWidth:
		_, v := safety.ValidateGripper(robot.GripperCommand{Action: robot.GripperMove, Width: w.Values[0]}, lim)
		return v
	}
	return safety.Verdict{Reason: "safety:unknown_kind"}
}

func (e *Engine) armStateVec(mode robot.ArmMode) []float64 {
	st := e.set.Arm.State()
	if mode == robot.ArmModeCartesianPose {
		return st.Pose.Slice()
	}
	return st.Joints.Slice()
}

func (e *Engine) trace(res *Result, w trajectory.Waypoint) {
	e.resMu.Lock()
	res.Targets = append(res.Targets, w)
	e.resMu.Unlock()
}

// stepDone counts one waypoint as replayed; paired arm/base chunks update
// the shared Result from two goroutines.
func (e *Engine) stepDone(res *Result) {
	e.resMu.Lock()
	res.StepsRewound++
	e.resMu.Unlock()
	e.bumpProgress()
}

func (e *Engine) bumpProgress() {
	e.runMu.Lock()
	e.progress.StepsDone++
	e.runMu.Unlock()
}

// aborted finalises a safety or adapter failure mid-run.
func (e *Engine) aborted(res Result, reason string) Result {
	res.AbortedAt = res.StepsRewound
	res.Reason = reason
	logging.Sugar().Warnw("rewind aborted", "at", res.AbortedAt, "reason", reason)
	return res
}

// stopped finalises a cancellation: halt both movers, report the partial
// count.  A fresh context is used because the run context is already dead.
func (e *Engine) stopped(_ context.Context, res Result) Result {
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.set.Arm.Stop(stopCtx)
	_ = e.set.Base.Stop(stopCtx)
	res.Stopped = true
	res.Reason = "stopped"
	return res
}

// sleepCtx sleeps for d unless ctx is cancelled first; reports survival.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
