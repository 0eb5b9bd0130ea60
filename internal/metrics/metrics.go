package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stop modes recorded by IncStop.
const (
	StopGraceful = "graceful"
	StopForced   = "forced"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"username"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts refused by the operating system.",
		}, []string{"username"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of terminations by mode (graceful or forced).",
		}, []string{"username", "mode"},
	)
	workersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "reaped_total",
			Help:      "Number of exited workers removed from the live set.",
		},
	)
	probeTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "probe_timeouts_total",
			Help:      "Number of output probes that exceeded their timeout.",
		}, []string{"username"},
	)
	liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "easystart",
			Subsystem: "worker",
			Name:      "live",
			Help:      "Workers not yet confirmed dead (size of the live set).",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, spawnFailures, workerStops, workersReaped, probeTimeouts, liveWorkers}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(username string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(username).Inc()
	}
}

func IncSpawnFailure(username string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(username).Inc()
	}
}

func IncStop(username, mode string) {
	if regOK.Load() {
		workerStops.WithLabelValues(username, mode).Inc()
	}
}

func AddReaped(n int) {
	if regOK.Load() && n > 0 {
		workersReaped.Add(float64(n))
	}
}

func IncProbeTimeout(username string) {
	if regOK.Load() {
		probeTimeouts.WithLabelValues(username).Inc()
	}
}

func SetLive(n int) {
	if regOK.Load() {
		liveWorkers.Set(float64(n))
	}
}
