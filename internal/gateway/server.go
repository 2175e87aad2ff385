// internal/gateway/server.go
// Package gateway exposes the HTTP+WebSocket front door for remote agents
// and wires the process-wide subsystems together.  The server is glue: lease
// enforcement on mutating endpoints, tagged-variant command decoding, safety
// envelope checks, waypoint recording on accepted commands, and the fan-out
// of state snapshots and command feedback to WebSocket subscribers.
//
// All collaborators arrive through an explicit Deps record rather than
// module-level globals, so tests instantiate the entire gateway against
// simulated adapters.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/config"
	"github.com/shaoyifei96/tidybot-agent-server/internal/executor"
	"github.com/shaoyifei96/tidybot-agent-server/internal/lease"
	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/metrics"
	"github.com/shaoyifei96/tidybot-agent-server/internal/rewind"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/internal/state"
	"github.com/shaoyifei96/tidybot-agent-server/internal/supervisor"
	"github.com/shaoyifei96/tidybot-agent-server/internal/trajectory"
)

// Deps bundles every subsystem the handlers touch.  Supervisor may be nil
// (--no-service-manager); everything else is required.
type Deps struct {
	Cfg        config.Config
	Set        backend.Set
	Aggregator *state.Aggregator
	Recorder   *trajectory.Recorder
	Lease      *lease.Coordinator
	Rewind     *rewind.Engine
	Supervisor *supervisor.Supervisor
	Executor   *executor.Executor
}

// Server is the HTTP façade.
type Server struct {
	deps Deps

	httpSrv *http.Server
	lnAddr  string // bound address, for the executor's loopback SDK

	// Feedback fan-out: per-command ack/result events for /ws/feedback.
	fbMu   sync.RWMutex
	fbSubs map[chan []byte]struct{}

	// Live WS connections, closed on shutdown.
	connMu sync.Mutex
	conns  map[interface{ Close() error }]struct{}
}

// New returns a ready-to-serve gateway.  The caller must invoke
// ListenAndServe.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		fbSubs: make(map[chan []byte]struct{}),
		conns:  make(map[interface{ Close() error }]struct{}),
	}
	metrics.Register()
	return s
}

// Handler builds the route table.  Exposed separately so tests can mount it
// on httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read-only surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /trajectory", s.handleTrajectory)
	mux.HandleFunc("GET /lease/status", s.handleLeaseStatus)
	mux.HandleFunc("GET /rewind/status", s.handleRewindStatus)
	mux.HandleFunc("GET /rewind/config", s.handleRewindConfigGet)
	mux.HandleFunc("PUT /rewind/config", s.handleRewindConfigPut)
	mux.HandleFunc("GET /code/status", s.handleCodeStatus)
	mux.HandleFunc("GET /code/result", s.handleCodeResult)
	mux.HandleFunc("GET /camera/{name}/frame", s.handleCameraFrame)

	// Lease management.
	mux.HandleFunc("POST /lease/acquire", s.handleLeaseAcquire)
	mux.HandleFunc("POST /lease/release", s.handleLeaseRelease)
	mux.HandleFunc("POST /lease/extend", s.handleLeaseExtend)

	// Mutating surface, lease-gated.
	mux.Handle("POST /cmd/arm/move", s.leased(s.handleArmMove))
	mux.Handle("POST /cmd/arm/stop", s.leased(s.handleArmStop))
	mux.Handle("POST /cmd/arm/home", s.leased(s.handleArmHome))
	mux.Handle("POST /cmd/base/move", s.leased(s.handleBaseMove))
	mux.Handle("POST /cmd/base/stop", s.leased(s.handleBaseStop))
	mux.Handle("POST /cmd/gripper", s.leased(s.handleGripper))
	mux.Handle("POST /rewind/steps", s.leased(s.handleRewindSteps))
	mux.Handle("POST /rewind/percentage", s.leased(s.handleRewindPercentage))
	mux.Handle("POST /rewind/stop", s.leased(s.handleRewindStop))
	mux.Handle("POST /trajectory/clear", s.leased(s.handleTrajectoryClear))
	mux.Handle("POST /code/execute", s.leased(s.handleCodeExecute))
	mux.Handle("POST /code/stop", s.leased(s.handleCodeStop))

	// Service supervisor.
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /services/{key}", s.handleService)
	mux.HandleFunc("GET /services/{key}/logs", s.handleServiceLogs)
	mux.HandleFunc("POST /services/{key}/start", s.handleServiceAction("start"))
	mux.HandleFunc("POST /services/{key}/stop", s.handleServiceAction("stop"))
	mux.HandleFunc("POST /services/{key}/restart", s.handleServiceAction("restart"))

	// WebSockets.
	mux.HandleFunc("GET /ws/state", s.handleWSState)
	mux.HandleFunc("GET /ws/feedback", s.handleWSFeedback)
	mux.HandleFunc("GET /ws/cameras", s.handleWSCameras)

	return mux
}

// ListenAndServe binds and blocks until ctx is cancelled or a fatal listener
// error occurs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lnAddr = ln.Addr().String()
	s.httpSrv = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WS streams and long-polling rewinds outlive any
		// sane fixed bound; per-write deadlines are set on the conns.
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	logging.Sugar().Infow("gateway listening", "addr", s.lnAddr)
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// LoopbackAddr returns the bound address for the executor's SDK shim.
func (s *Server) LoopbackAddr() string {
	host, port, err := net.SplitHostPort(s.lnAddr)
	if err != nil {
		return s.lnAddr
	}
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Shutdown drains HTTP and closes every live WebSocket.
func (s *Server) Shutdown() {
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = map[interface{ Close() error }]struct{}{}
	s.connMu.Unlock()

	if s.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpSrv.Shutdown(shutCtx)
		cancel()
	}
}

func (s *Server) limits() safety.Limits { return s.deps.Cfg.Limits }

// trackConn registers a closable connection for shutdown teardown.
func (s *Server) trackConn(c interface{ Close() error }) func() {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	return func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
	}
}
