// internal/supervisor/supervisor.go
// Package supervisor owns the backend processes' lifecycles: spawn, health
// polling, dependency-aware stop cascades, bounded log capture, and crash
// restarts with capped exponential backoff.  One mutex guards all
// state-machine transitions; process waits, probes and log scanners run in
// their own goroutines and re-enter through the mutex.
package supervisor

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
)

// State is a service's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// ErrDependencyNotRunning rejects a start whose dependencies are not up.
var ErrDependencyNotRunning = errors.New("dependency_not_running")

// ErrUnknownService rejects operations on undefined keys.
var ErrUnknownService = errors.New("unknown service")

const (
	healthInterval   = 5 * time.Second
	healthStrikes    = 3
	stopGracePeriod  = 5 * time.Second
)

// Record is the public view of one service.
type Record struct {
	Key          string    `json:"key"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastHealth   time.Time `json:"last_health,omitempty"`
	RestartCount int       `json:"restart_count"`
	Adopted      bool      `json:"adopted,omitempty"`
}

type service struct {
	def Definition

	state        State
	cmd          *exec.Cmd
	pid          int
	adopted      bool // live child adopted from a previous run; no cmd handle
	startedAt    time.Time
	lastHealth   time.Time
	failures     int
	restartCount int
	logs         *LogRing
	bo           *backoff.ExponentialBackOff
}

// Supervisor is the process-wide service manager.
type Supervisor struct {
	mu       sync.Mutex
	services map[string]*service
	order    []string // topological, dependencies first
	pidPath  string

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Config parameterises the supervisor.
type Config struct {
	PIDPath  string // pid persistence file; "" disables adoption
	LogLines int    // per-service ring capacity; 0 => DefaultLogLines
}

// New constructs a supervisor over validated definitions and adopts any live
// children recorded by a previous run.
func New(cfg Config, defs []Definition) (*Supervisor, error) {
	if err := ValidateGraph(defs); err != nil {
		return nil, err
	}
	s := &Supervisor{
		services: make(map[string]*service, len(defs)),
		order:    StartOrder(defs),
		pidPath:  cfg.PIDPath,
		quit:     make(chan struct{}),
	}
	for _, d := range defs {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0 // retry forever; crashes are not transient errors
		s.services[d.Key] = &service{def: d, state: StateStopped, logs: NewLogRing(cfg.LogLines), bo: bo}
	}
	s.adopt()
	return s, nil
}

// Run launches the health loop.  Idempotent.
func (s *Supervisor) Run() {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.healthLoop()
	})
}

// Keys returns all service keys in start order.
func (s *Supervisor) Keys() []string {
	return append([]string(nil), s.order...)
}

// Records returns the public view of every service, in start order.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.recordLocked(key))
	}
	return out
}

// Record returns one service's view.
func (s *Supervisor) Record(key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[key]; !ok {
		return Record{}, ErrUnknownService
	}
	return s.recordLocked(key), nil
}

// Logs returns the last n captured lines for key.
func (s *Supervisor) Logs(key string, n int) ([]LogLine, error) {
	s.mu.Lock()
	svc, ok := s.services[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownService
	}
	return svc.logs.Last(n), nil
}

// Start transitions key stopped/crashed → starting → running.  Every
// dependency must already be running.
func (s *Supervisor) Start(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(key)
}

func (s *Supervisor) startLocked(key string) error {
	svc, ok := s.services[key]
	if !ok {
		return ErrUnknownService
	}
	switch svc.state {
	case StateRunning, StateStarting, StateUnhealthy:
		return nil // already up
	case StateStopping:
		return errors.Newf("service %s is stopping", key)
	}
	for _, dep := range svc.def.DependsOn {
		if d := s.services[dep]; d.state != StateRunning {
			return errors.Wrapf(ErrDependencyNotRunning, "%s needs %s (%s)", key, dep, d.state)
		}
	}
	svc.state = StateStarting
	if err := s.spawnLocked(svc); err != nil {
		svc.state = StateCrashed
		return err
	}
	svc.state = StateRunning
	svc.startedAt = time.Now()
	svc.lastHealth = time.Now()
	svc.failures = 0
	svc.bo.Reset()
	logging.Sugar().Infow("service started", "key", key, "pid", svc.pid)
	return nil
}

func (s *Supervisor) spawnLocked(svc *service) error {
	argv, err := svc.def.Argv()
	if err != nil {
		return err
	}
	var cmd *exec.Cmd
	if svc.def.PreShell != "" {
		line := svc.def.PreShell + " && exec " + svc.def.Command
		cmd = exec.Command("/bin/sh", "-c", line)
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = svc.def.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true} // own group for clean kill

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "spawn %s", svc.def.Key)
	}
	svc.cmd = cmd
	svc.pid = cmd.Process.Pid
	svc.adopted = false

	go s.scanLogs(svc.logs, "stdout", stdout)
	go s.scanLogs(svc.logs, "stderr", stderr)
	go s.waitFor(svc.def.Key, cmd)
	return nil
}

func (s *Supervisor) scanLogs(ring *LogRing, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		ring.Append(stream, sc.Text())
	}
}

// waitFor reaps the child and routes the exit through the state machine.
func (s *Supervisor) waitFor(key string, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	svc := s.services[key]
	if svc.cmd != cmd {
		s.mu.Unlock()
		return // superseded by a restart
	}
	svc.cmd = nil
	svc.pid = 0
	wasStopping := svc.state == StateStopping
	if wasStopping {
		svc.state = StateStopped
	} else {
		svc.state = StateCrashed
		logging.Sugar().Warnw("service exited unexpectedly", "key", key, "err", err)
	}
	auto := svc.def.AutoRestart && !wasStopping
	var delay time.Duration
	if auto {
		delay = svc.bo.NextBackOff()
	}
	s.mu.Unlock()

	if !wasStopping {
		s.cascadeStop(key)
	}
	if auto {
		s.scheduleRestart(key, delay)
	}
}

func (s *Supervisor) scheduleRestart(key string, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.quit:
			return
		case <-time.After(delay):
		}
		s.mu.Lock()
		svc := s.services[key]
		if svc.state != StateCrashed {
			s.mu.Unlock()
			return
		}
		svc.restartCount++
		metrics.ServiceRestartsTotal.WithLabelValues(key).Inc()
		err := s.startLocked(key)
		var retry time.Duration
		if err != nil {
			retry = svc.bo.NextBackOff()
		}
		s.mu.Unlock()
		if err != nil {
			// startLocked left it crashed; try again on the next backoff.
			logging.Sugar().Warnw("service restart failed", "key", key, "err", err)
			s.scheduleRestart(key, retry)
		}
	}()
}

// Stop stops key and, first, every service that (transitively) depends on
// it.  The cascade is breadth-first and synchronous per wave.
func (s *Supervisor) Stop(key string) error {
	s.mu.Lock()
	if _, ok := s.services[key]; !ok {
		s.mu.Unlock()
		return ErrUnknownService
	}
	s.mu.Unlock()
	s.cascadeStop(key)
	s.stopOne(key)
	return nil
}

// Restart stops (with cascade) and starts key again.
func (s *Supervisor) Restart(key string) error {
	if err := s.Stop(key); err != nil {
		return err
	}
	return s.Start(key)
}

// cascadeStop stops all dependents of key, wave by wave: direct dependents
// first wave, their dependents next, with each wave fully stopped before the
// next is computed.
func (s *Supervisor) cascadeStop(key string) {
	stopped := map[string]bool{key: true}
	wave := []string{key}
	for len(wave) > 0 {
		var next []string
		s.mu.Lock()
		for k, svc := range s.services {
			if stopped[k] || !isUp(svc.state) {
				continue
			}
			for _, dep := range svc.def.DependsOn {
				if stopped[dep] {
					next = append(next, k)
					break
				}
			}
		}
		s.mu.Unlock()
		for _, k := range next {
			stopped[k] = true
		}
		// Stop the wave synchronously before computing the next one.
		for _, k := range next {
			logging.Sugar().Infow("stopping dependent service", "key", k, "because", key)
			s.stopOne(k)
		}
		wave = next
	}
}

func isUp(st State) bool {
	return st == StateRunning || st == StateStarting || st == StateUnhealthy
}

// stopOne takes a single service down: SIGTERM, grace, SIGKILL, then a
// kill-pattern sweep for stragglers.
func (s *Supervisor) stopOne(key string) {
	s.mu.Lock()
	svc := s.services[key]
	if svc == nil || !isUp(svc.state) {
		s.mu.Unlock()
		return
	}
	svc.state = StateStopping
	pid := svc.pid
	adopted := svc.adopted
	patterns := svc.def.KillPatterns
	s.mu.Unlock()

	if pid > 0 {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		deadline := time.Now().Add(stopGracePeriod)
		for time.Now().Before(deadline) && pidAlive(pid) {
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(pid) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}
	sweepKillPatterns(patterns)

	s.mu.Lock()
	// Adopted children have no waitFor goroutine to finish the transition.
	if adopted || svc.cmd == nil {
		svc.state = StateStopped
		svc.pid = 0
		svc.adopted = false
	}
	s.mu.Unlock()

	// For spawned children waitFor flips stopping → stopped; give it a
	// bounded moment so callers observe the final state.
	for i := 0; i < 50; i++ {
		s.mu.Lock()
		done := s.services[key].state == StateStopped
		s.mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// StopAll takes every service down in reverse dependency order and persists
// PIDs of anything it could not stop cleanly.
func (s *Supervisor) StopAll() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		s.stopOne(s.order[i])
	}
	s.wg.Wait()
	s.writePIDs()
}

// --- health ---------------------------------------------------------------

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			s.probeAll()
		}
	}
}

func (s *Supervisor) probeAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.services))
	for k, svc := range s.services {
		if svc.state == StateRunning || svc.state == StateUnhealthy {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		ok := s.probe(key)
		s.mu.Lock()
		svc := s.services[key]
		if svc.state != StateRunning && svc.state != StateUnhealthy {
			s.mu.Unlock()
			continue
		}
		if ok {
			svc.failures = 0
			svc.lastHealth = time.Now()
			svc.state = StateRunning
		} else {
			svc.failures++
			if svc.failures >= healthStrikes {
				if svc.state != StateUnhealthy {
					logging.Sugar().Warnw("service unhealthy", "key", key, "failures", svc.failures)
				}
				svc.state = StateUnhealthy
			}
		}
		s.mu.Unlock()
	}
}

// probe runs the liveness check outside the mutex: process alive plus the
// definition's probe command when provided.
func (s *Supervisor) probe(key string) bool {
	s.mu.Lock()
	svc := s.services[key]
	pid := svc.pid
	probeCmd := svc.def.ProbeCommand
	s.mu.Unlock()

	if pid <= 0 || !pidAlive(pid) {
		return false
	}
	if probeCmd == "" {
		return true
	}
	ctxCmd := exec.Command("/bin/sh", "-c", probeCmd)
	return ctxCmd.Run() == nil
}

func pidAlive(pid int) bool {
	ok, err := gops.PidExists(int32(pid))
	return err == nil && ok
}

// sweepKillPatterns force-kills any process whose name matches one of the
// definition's kill patterns.  Forceful cleanup only; errors are ignored.
func sweepKillPatterns(patterns []string) {
	if len(patterns) == 0 {
		return
	}
	procs, err := gops.Processes()
	if err != nil {
		return
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		cmdline, _ := p.Cmdline()
		for _, pat := range patterns {
			if strings.Contains(name, pat) || strings.Contains(cmdline, pat) {
				_ = p.Kill()
				break
			}
		}
	}
}

// --- pid persistence -------------------------------------------------------

// writePIDs records live children so a restarted supervisor can adopt them
// instead of orphaning.
func (s *Supervisor) writePIDs() {
	if s.pidPath == "" {
		return
	}
	s.mu.Lock()
	pids := make(map[string]int)
	for k, svc := range s.services {
		if svc.pid > 0 && pidAlive(svc.pid) {
			pids[k] = svc.pid
		}
	}
	s.mu.Unlock()
	buf, err := json.Marshal(pids)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.pidPath, buf, 0o644); err != nil {
		logging.Sugar().Warnw("pid persistence", "err", err)
	}
}

// adopt picks up children recorded by a previous run that are still alive.
func (s *Supervisor) adopt() {
	if s.pidPath == "" {
		return
	}
	buf, err := os.ReadFile(s.pidPath)
	if err != nil {
		return
	}
	var pids map[string]int
	if err := json.Unmarshal(buf, &pids); err != nil {
		return
	}
	for key, pid := range pids {
		svc, ok := s.services[key]
		if !ok || !pidAlive(pid) {
			continue
		}
		svc.state = StateRunning
		svc.pid = pid
		svc.adopted = true
		svc.startedAt = time.Now()
		svc.lastHealth = time.Now()
		logging.Sugar().Infow("adopted live service", "key", key, "pid", pid)
	}
	_ = os.Remove(s.pidPath)
}

func (s *Supervisor) recordLocked(key string) Record {
	svc := s.services[key]
	return Record{
		Key:          key,
		State:        svc.state,
		PID:          svc.pid,
		StartedAt:    svc.startedAt,
		LastHealth:   svc.lastHealth,
		RestartCount: svc.restartCount,
		Adopted:      svc.adopted,
	}
}
