// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for the gateway
// binary.  It exposes typed collectors and helper update functions so that
// code can remain import-cycle-free.  The package registers with the global
// prometheus.DefaultRegisterer, which the gateway exposes via the /metrics
// HTTP handler from the Prometheus client library.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Gauge metrics ---------------------------------------------------------
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tidybot",
		Subsystem: "gateway",
		Name:      "ws_subscribers",
		Help:      "Current number of active WebSocket state subscribers.",
	})

	LeaseQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tidybot",
		Subsystem: "lease",
		Name:      "queue_length",
		Help:      "Current number of waiters queued behind the lease holder.",
	})

	BackendConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tidybot",
		Subsystem: "backend",
		Name:      "connected",
		Help:      "1 when the named backend connection is up, 0 otherwise.",
	}, []string{"backend"})

	RewindActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tidybot",
		Subsystem: "rewind",
		Name:      "active",
		Help:      "1 while a rewind is executing.",
	})

	// Counter metrics -------------------------------------------------------
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "gateway",
		Name:      "commands_total",
		Help:      "Total commands handled, labelled by subsystem and outcome.",
	}, []string{"subsystem", "outcome"})

	LeaseGrantsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "lease",
		Name:      "grants_total",
		Help:      "Total leases granted (including queue promotions).",
	})

	LeaseRevocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "lease",
		Name:      "revocations_total",
		Help:      "Total lease revocations by cause (release, idle, ttl, shutdown).",
	}, []string{"cause"})

	WaypointsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "trajectory",
		Name:      "waypoints_recorded_total",
		Help:      "Total waypoints appended to the trajectory ring.",
	})

	RewindsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "rewind",
		Name:      "runs_total",
		Help:      "Total rewind runs by result (completed, aborted, stopped).",
	}, []string{"result"})

	ServiceRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tidybot",
		Subsystem: "supervisor",
		Name:      "restarts_total",
		Help:      "Total automatic service restarts, labelled by service key.",
	}, []string{"service"})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Subscribers,
			LeaseQueueLength,
			BackendConnected,
			RewindActive,
			CommandsTotal,
			LeaseGrantsTotal,
			LeaseRevocationsTotal,
			WaypointsRecordedTotal,
			RewindsTotal,
			ServiceRestartsTotal,
		)
	})
}
