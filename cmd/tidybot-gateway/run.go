// cmd/tidybot-gateway/run.go
// Gateway bootstrap and teardown.  Construction is bottom-up (adapters →
// recorder/lease → aggregator/rewind/executor → HTTP surface); shutdown runs
// the reverse of the dependency order the design fixes: revoke the lease,
// cancel rewinds, stop code executions, close WebSocket sessions, disconnect
// adapters, then stop supervised services in reverse dependency order.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaoyifei96/tidybot-agent-server/internal/backend"
	"github.com/shaoyifei96/tidybot-agent-server/internal/config"
	"github.com/shaoyifei96/tidybot-agent-server/internal/executor"
	"github.com/shaoyifei96/tidybot-agent-server/internal/gateway"
	"github.com/shaoyifei96/tidybot-agent-server/internal/lease"
	"github.com/shaoyifei96/tidybot-agent-server/internal/logging"
	"github.com/shaoyifei96/tidybot-agent-server/internal/rewind"
	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
	"github.com/shaoyifei96/tidybot-agent-server/internal/state"
	"github.com/shaoyifei96/tidybot-agent-server/internal/supervisor"
	"github.com/shaoyifei96/tidybot-agent-server/internal/trajectory"
	"github.com/shaoyifei96/tidybot-agent-server/pkg/robot"
)

func initLogger() error {
	var lg *zap.Logger
	var err error
	if flagLogJSON {
		lg, err = zap.NewProduction()
	} else {
		lg, err = zap.NewDevelopment()
	}
	if err != nil {
		return err
	}
	logging.Set(lg)
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, &cfg)
	lg := logging.Sugar()

	// Adapters --------------------------------------------------------------
	var set backend.Set
	if cfg.DryRun {
		set, _, _, _, _ = backend.NewSimSet()
		lg.Infow("dry-run: simulated adapters")
	} else {
		set = backend.Set{
			Arm:     backend.NewArm(backend.ArmConfig{Addr: cfg.Backends.ArmAddr, StreamHz: cfg.Backends.ArmStreamHz}),
			Base:    backend.NewBase(backend.BaseConfig{Addr: cfg.Backends.BaseAddr}),
			Gripper: backend.NewGripper(backend.GripperConfig{Addr: cfg.Backends.GripperAddr}),
			Cameras: backend.NewCameras(backend.CamerasConfig{Addr: cfg.Backends.CameraAddr}),
		}
	}
	connectAll(set)

	// Core subsystems -------------------------------------------------------
	recorder := trajectory.NewRecorder(cfg.TrajectoryCapacity)
	coordinator := lease.New(lease.Config{TTL: cfg.LeaseTTL, IdleTimeout: cfg.LeaseIdleTimeout})
	aggregator := state.New(state.Config{}, set)
	aggregator.Start()

	limitsFn := func() safety.Limits { return cfg.Limits }
	engine := rewind.New(rewind.Config{}, set, recorder, limitsFn)
	monitor := rewind.NewMonitor(engine, func() (robot.ArmState, robot.BaseState, bool) {
		snap := aggregator.Current()
		fresh := !snap.Timestamp.IsZero() && !snap.Arm.Stale && !snap.Base.Stale
		return snap.Arm.State, snap.Base.State, fresh
	}, limitsFn, 5)
	monitor.Start()

	exec := executor.New(executor.Config{
		Interpreter:    cfg.Interpreter,
		DefaultTimeout: cfg.ExecTimeout,
		MaxTimeout:     cfg.ExecMaxTimeout,
	}, func() {
		// Safety floor after every script, whatever happened inside it.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := set.Arm.Hold(ctx); err != nil {
			lg.Warnw("post-execution hold", "err", err)
		}
	})

	// Supervisor ------------------------------------------------------------
	var sup *supervisor.Supervisor
	if !cfg.NoServiceManager {
		defs, err := supervisor.LoadDefinitions(cfg.ServicesFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lg.Warnw("no service definitions; supervisor idle", "path", cfg.ServicesFile)
			} else {
				return fmt.Errorf("service definitions: %w", err)
			}
		}
		sup, err = supervisor.New(supervisor.Config{PIDPath: cfg.PIDFile}, defs)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		sup.Run()
		if cfg.AutoStartServices {
			for _, key := range sup.Keys() {
				if err := sup.Start(key); err != nil {
					lg.Warnw("auto-start", "key", key, "err", err)
				}
			}
		}
	}

	// HTTP surface ----------------------------------------------------------
	srv := gateway.New(gateway.Deps{
		Cfg:        cfg,
		Set:        set,
		Aggregator: aggregator,
		Recorder:   recorder,
		Lease:      coordinator,
		Rewind:     engine,
		Supervisor: sup,
		Executor:   exec,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	}()

	select {
	case err := <-errCh:
		// Bind failure or fatal serve error.
		shutdown(coordinator, monitor, engine, exec, srv, aggregator, set, sup)
		return err
	case <-ctx.Done():
	}

	lg.Infow("signal received, shutting down")
	shutdown(coordinator, monitor, engine, exec, srv, aggregator, set, sup)
	<-errCh
	lg.Infow("goodbye")
	return nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetBool("dry-run"); v {
		cfg.DryRun = true
	}
	if v, _ := cmd.Flags().GetBool("auto-start-services"); v {
		cfg.AutoStartServices = true
	}
	if v, _ := cmd.Flags().GetBool("no-service-manager"); v {
		cfg.NoServiceManager = true
	}
}

func connectAll(set backend.Set) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name, c := range map[string]interface {
		Connect(context.Context) error
	}{
		"arm": set.Arm, "base": set.Base, "gripper": set.Gripper, "cameras": set.Cameras,
	} {
		if err := c.Connect(ctx); err != nil {
			logging.Sugar().Warnw("backend connect failed; will retry in background", "backend", name, "err", err)
		}
	}
}

func shutdown(coordinator *lease.Coordinator, monitor *rewind.Monitor, engine *rewind.Engine,
	exec *executor.Executor, srv *gateway.Server, aggregator *state.Aggregator,
	set backend.Set, sup *supervisor.Supervisor) {

	coordinator.RevokeAll()
	monitor.Stop()
	engine.Stop()
	exec.Shutdown()
	srv.Shutdown()
	aggregator.Stop()
	_ = set.Arm.Close()
	_ = set.Base.Close()
	_ = set.Gripper.Close()
	_ = set.Cameras.Close()
	if sup != nil {
		sup.StopAll()
	}
}
