// internal/gateway/handlers.go
// HTTP handlers for the gateway surface.  Command handlers share one shape:
// decode the tagged-variant body, check the lease (middleware), run the
// safety envelope, issue the adapter call, record the waypoint only when the
// backend accepted, and publish a feedback event.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
	"github.com/shaoyifei96/tidybot-agent-server/internal/rewind"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/internal/trajectory"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/version"
)

// leaseHeader carries the capability token on mutating requests.
const leaseHeader = "X-Lease-Id"

const maxBodyBytes = 1 << 20

// homePosture is the arm's parked joint configuration.
var homePosture = []float64{0, -0.785, 0, -2.356, 0, 1.571, 0.785}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeCode(w, CodeInvalidArgument, "bad request body: "+err.Error())
		return false
	}
	return true
}

// leased wraps mutating handlers with the lease check.  The token rides in
// the X-Lease-Id header; a mismatch is 403 and the handler never runs.
func (s *Server) leased(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(leaseHeader)
		if err := s.deps.Lease.Authorize(token); err != nil {
			writeErr(w, err)
			return
		}
		next(w, r)
	})
}

// --- read-only -------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Aggregator.Current()
	backends := map[string]bool{}
	allUp := true
	for name, st := range snap.Backends {
		backends[name] = st.Connected
		allUp = allUp && st.Connected
	}
	status := "ok"
	if !allUp {
		status = "degraded"
	}
	ls := s.deps.Lease.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"backends": backends,
		"lease":    map[string]any{"holder": ls.Holder, "queue_length": ls.QueueLength},
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Aggregator.Current())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	ver, commit, date := version.Components()
	writeJSON(w, http.StatusOK, map[string]string{"version": ver, "commit": commit, "build_date": date})
}

func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	wps := s.deps.Recorder.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(wps), "waypoints": wps})
}

func (s *Server) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.deps.Set.Cameras.Frame(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(frame)
}

// --- lease -----------------------------------------------------------------

func (s *Server) handleLeaseAcquire(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Holder string `json:"holder"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Holder == "" {
		writeCode(w, CodeInvalidArgument, "holder is required")
		return
	}
	g := s.deps.Lease.Acquire(body.Holder)
	if g.Granted {
		writeJSON(w, http.StatusOK, map[string]any{"status": "granted", "lease_id": g.LeaseID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "ticket_id": g.TicketID, "position": g.Position})
}

func (s *Server) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Lease.Release(body.LeaseID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleLeaseExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaseID string `json:"lease_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Lease.Extend(body.LeaseID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (s *Server) handleLeaseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Lease.Status())
}

// --- commands --------------------------------------------------------------

func (s *Server) handleArmMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode   string    `json:"mode"`
		Values []float64 `json:"values"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	mode, err := robot.ParseArmMode(body.Mode)
	if err != nil {
		writeCode(w, CodeInvalidArgument, err.Error())
		return
	}
	if want := mode.ValueCount(); want == 0 || len(body.Values) != want {
		writeCode(w, CodeInvalidArgument, "mode "+body.Mode+" expects "+strconv.Itoa(mode.ValueCount())+" values")
		return
	}

	v := safety.ValidateArm(mode, body.Values, s.limits())
	if !v.OK {
		metrics.CommandsTotal.WithLabelValues("arm", "safety_reject").Inc()
		s.publishFeedback("arm", "rejected", v.Reason)
		writeCode(w, CodeSafetyViolation, v.Reason)
		return
	}

	if err := s.deps.Set.Arm.SetMode(r.Context(), mode); err != nil {
		s.commandFailed(w, "arm", err)
		return
	}
	if err := s.deps.Set.Arm.Move(r.Context(), mode, v.Values); err != nil {
		s.commandFailed(w, "arm", err)
		return
	}

	// Only position targets become waypoints; velocity commands are not
	// reversible motion.
	switch mode {
	case robot.ArmModeJointPosition:
		s.deps.Recorder.Record(trajectory.Waypoint{Kind: trajectory.KindArmJoint, Values: v.Values, Source: trajectory.SourceCommand})
	case robot.ArmModeCartesianPose:
		s.deps.Recorder.Record(trajectory.Waypoint{Kind: trajectory.KindArmCartesian, Values: v.Values, Source: trajectory.SourceCommand})
	}
	metrics.CommandsTotal.WithLabelValues("arm", "ok").Inc()
	s.publishFeedback("arm", "completed", "")
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "clamped": v.Clamped})
}

func (s *Server) handleArmStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Set.Arm.Stop(r.Context()); err != nil {
		s.commandFailed(w, "arm", err)
		return
	}
	metrics.CommandsTotal.WithLabelValues("arm", "ok").Inc()
	s.publishFeedback("arm", "completed", "stop")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleArmHome(w http.ResponseWriter, r *http.Request) {
	v := safety.ValidateArm(robot.ArmModeJointPosition, homePosture, s.limits())
	if !v.OK {
		writeCode(w, CodeSafetyViolation, v.Reason)
		return
	}
	if err := s.deps.Set.Arm.SetMode(r.Context(), robot.ArmModeJointPosition); err != nil {
		s.commandFailed(w, "arm", err)
		return
	}
	if err := s.deps.Set.Arm.Move(r.Context(), robot.ArmModeJointPosition, homePosture); err != nil {
		s.commandFailed(w, "arm", err)
		return
	}
	s.deps.Recorder.Record(trajectory.Waypoint{Kind: trajectory.KindArmJoint, Values: homePosture, Source: trajectory.SourceCommand})
	metrics.CommandsTotal.WithLabelValues("arm", "ok").Inc()
	s.publishFeedback("arm", "completed", "home")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleBaseMove(w http.ResponseWriter, r *http.Request) {
	// Tagged variant: a pose target carries x/y/theta, a velocity target
	// vx/vy/wz.  Pointers distinguish absent from zero.
	var body struct {
		X     *float64 `json:"x"`
		Y     *float64 `json:"y"`
		Theta *float64 `json:"theta"`
		VX    *float64 `json:"vx"`
		VY    *float64 `json:"vy"`
		WZ    *float64 `json:"wz"`
		Frame string   `json:"frame"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	isPose := body.X != nil && body.Y != nil && body.Theta != nil
	isVel := body.VX != nil && body.VY != nil && body.WZ != nil
	switch {
	case isPose && !isVel:
		pose := robot.BasePose{X: *body.X, Y: *body.Y, Theta: *body.Theta}
		if v := safety.ValidateBasePose(pose, s.limits()); !v.OK {
			metrics.CommandsTotal.WithLabelValues("base", "safety_reject").Inc()
			s.publishFeedback("base", "rejected", v.Reason)
			writeCode(w, CodeSafetyViolation, v.Reason)
			return
		}
		if err := s.deps.Set.Base.MoveTo(r.Context(), pose); err != nil {
			s.commandFailed(w, "base", err)
			return
		}
		s.deps.Recorder.Record(trajectory.Waypoint{
			Kind: trajectory.KindBasePose, Values: []float64{pose.X, pose.Y, pose.Theta}, Source: trajectory.SourceCommand,
		})
	case isVel && !isPose:
		vel := robot.BaseVelocity{VX: *body.VX, VY: *body.VY, WZ: *body.WZ, Frame: body.Frame}
		vel, verdict := safety.ValidateBaseVelocity(vel, s.limits())
		if !verdict.OK {
			writeCode(w, CodeSafetyViolation, verdict.Reason)
			return
		}
		if err := s.deps.Set.Base.SetVelocity(r.Context(), vel); err != nil {
			s.commandFailed(w, "base", err)
			return
		}
		// Velocity commands are transient; no waypoint.
	default:
		writeCode(w, CodeInvalidArgument, "body must be {x,y,theta} or {vx,vy,wz,frame?}")
		return
	}
	metrics.CommandsTotal.WithLabelValues("base", "ok").Inc()
	s.publishFeedback("base", "completed", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleBaseStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Set.Base.Stop(r.Context()); err != nil {
		s.commandFailed(w, "base", err)
		return
	}
	metrics.CommandsTotal.WithLabelValues("base", "ok").Inc()
	s.publishFeedback("base", "completed", "stop")
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleGripper(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string  `json:"action"`
		Width  float64 `json:"width"`
		Speed  float64 `json:"speed"`
		Force  float64 `json:"force"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	action, err := robot.ParseGripperAction(body.Action)
	if err != nil {
		writeCode(w, CodeInvalidArgument, err.Error())
		return
	}
	cmd := robot.GripperCommand{Action: action, Width: body.Width, Speed: body.Speed, Force: body.Force}
	cmd, v := safety.ValidateGripper(cmd, s.limits())
	if !v.OK {
		metrics.CommandsTotal.WithLabelValues("gripper", "safety_reject").Inc()
		writeCode(w, CodeSafetyViolation, v.Reason)
		return
	}
	if err := s.deps.Set.Gripper.Do(r.Context(), cmd); err != nil {
		s.commandFailed(w, "gripper", err)
		return
	}
	if action == robot.GripperMove || action == robot.GripperGrasp {
		s.deps.Recorder.Record(trajectory.Waypoint{
			Kind: trajectory.KindGripperWidth, Values: []float64{cmd.Width}, Source: trajectory.SourceCommand,
		})
	}
	metrics.CommandsTotal.WithLabelValues("gripper", "ok").Inc()
	s.publishFeedback("gripper", "completed", string(action))
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "clamped": v.Clamped})
}

// commandFailed leaves the robot in a safe state and reports the error.
func (s *Server) commandFailed(w http.ResponseWriter, subsystem string, err error) {
	metrics.CommandsTotal.WithLabelValues(subsystem, "error").Inc()
	s.publishFeedback(subsystem, "failed", err.Error())
	writeErr(w, err)
}

// --- trajectory ------------------------------------------------------------

func (s *Server) handleTrajectoryClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Recorder.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- rewind ----------------------------------------------------------------

func (s *Server) handleRewindSteps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Steps      int  `json:"steps"`
		ToLastSafe bool `json:"to_last_safe"`
		DryRun     bool `json:"dry_run"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Steps <= 0 && !body.ToLastSafe {
		writeCode(w, CodeInvalidArgument, "steps must be positive")
		return
	}
	s.runRewind(w, r, rewind.Request{Steps: body.Steps, ToLastSafe: body.ToLastSafe, DryRun: body.DryRun})
}

func (s *Server) handleRewindPercentage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Percentage float64 `json:"percentage"`
		DryRun     bool    `json:"dry_run"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Percentage <= 0 || body.Percentage > 100 {
		writeCode(w, CodeInvalidArgument, "percentage must be in (0,100]")
		return
	}
	s.runRewind(w, r, rewind.Request{Percentage: body.Percentage, DryRun: body.DryRun})
}

func (s *Server) runRewind(w http.ResponseWriter, r *http.Request, req rewind.Request) {
	s.publishFeedback("rewind", "started", "")
	res, err := s.deps.Rewind.Rewind(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := map[string]any{"success": res.Success, "steps_rewound": res.StepsRewound}
	if res.Stopped {
		out["stopped"] = true
	}
	if !res.Success {
		out["aborted_at"] = res.AbortedAt
		out["reason"] = res.Reason
		s.publishFeedback("rewind", "aborted", res.Reason)
		writeJSON(w, http.StatusOK, out)
		return
	}
	s.publishFeedback("rewind", "completed", "")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRewindStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Rewind.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleRewindStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rewind.Status())
}

func (s *Server) handleRewindConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rewind.Config())
}

func (s *Server) handleRewindConfigPut(w http.ResponseWriter, r *http.Request) {
	var cfg rewind.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	s.deps.Rewind.SetConfig(cfg)
	writeJSON(w, http.StatusOK, s.deps.Rewind.Config())
}

// --- code executor ---------------------------------------------------------

func (s *Server) handleCodeExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code    string  `json:"code"`
		Timeout float64 `json:"timeout"` // seconds
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Code == "" {
		writeCode(w, CodeInvalidArgument, "code is required")
		return
	}
	token := r.Header.Get(leaseHeader)
	id, err := s.deps.Executor.Execute(body.Code, time.Duration(body.Timeout*float64(time.Second)), s.LoopbackAddr(), token)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "execution_id": id})
}

func (s *Server) handleCodeStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.deps.Executor.Stop()})
}

func (s *Server) handleCodeStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.deps.Executor.Status()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"execution_id": nil, "status": "idle", "is_running": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": rec.ID,
		"status":       rec.State,
		"is_running":   s.deps.Executor.IsRunning(),
	})
}

func (s *Server) handleCodeResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.deps.Executor.Status()
	if !ok {
		writeCode(w, CodeNotFound, "no execution yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
		"status":    rec.State,
		"stdout":    rec.Stdout,
		"stderr":    rec.Stderr,
		"exit_code": rec.ExitCode,
		"duration":  rec.Duration().Seconds(),
		"error":     rec.Error,
	}})
}

// --- services --------------------------------------------------------------

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeCode(w, CodeNotFound, "service manager disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": s.deps.Supervisor.Records()})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeCode(w, CodeNotFound, "service manager disabled")
		return
	}
	rec, err := s.deps.Supervisor.Record(r.PathValue("key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeCode(w, CodeNotFound, "service manager disabled")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	lines, err := s.deps.Supervisor.Logs(r.PathValue("key"), n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleServiceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Supervisor == nil {
			writeCode(w, CodeNotFound, "service manager disabled")
			return
		}
		key := r.PathValue("key")
		var err error
		switch action {
		case "start":
			err = s.deps.Supervisor.Start(key)
		case "stop":
			err = s.deps.Supervisor.Stop(key)
		case "restart":
			err = s.deps.Supervisor.Restart(key)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		rec, _ := s.deps.Supervisor.Record(key)
		writeJSON(w, http.StatusOK, rec)
	}
}
