// Package metrics exposes Prometheus instrumentation for the introspection
// service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all service metrics.
type Registry struct {
	// Introspection lifecycle
	IntrospectionsStarted  prometheus.Counter
	IntrospectionsFinished prometheus.Counter
	IntrospectionsFailed   *prometheus.CounterVec
	IntrospectionsTimedOut prometheus.Counter
	ActiveIntrospections   prometheus.Gauge

	// Pipeline
	SubmitsTotal  *prometheus.CounterVec
	HookDuration  *prometheus.HistogramVec
	HookAborts    *prometheus.CounterVec
	RulePassTotal *prometheus.CounterVec

	// Filter synchronizer
	SyncCycles    *prometheus.CounterVec
	SyncRetries   prometheus.Counter
	DriftDetected prometheus.Counter
	WhitelistSize prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.IntrospectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "introspection_started_total",
		Help: "Introspection attempts started",
	})
	r.IntrospectionsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "introspection_finished_total",
		Help: "Introspection attempts that finished successfully",
	})
	r.IntrospectionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "introspection_failed_total",
		Help: "Introspection attempts that failed, by error kind",
	}, []string{"kind"})
	r.IntrospectionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "introspection_timeout_total",
		Help: "Introspection attempts reaped by the timeout sweeper",
	})
	r.ActiveIntrospections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "introspection_active",
		Help: "Attempts currently waiting or processing",
	})

	r.SubmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_submit_total",
		Help: "Data submissions by outcome",
	}, []string{"outcome"})
	r.HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_hook_duration_seconds",
		Help:    "Execution time per pipeline hook",
		Buckets: prometheus.DefBuckets,
	}, []string{"hook"})
	r.HookAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_hook_abort_total",
		Help: "Pipeline aborts by hook and failure kind",
	}, []string{"hook", "kind"})
	r.RulePassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rule_pass_total",
		Help: "Rule engine passes by outcome",
	}, []string{"outcome"})

	r.SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filter_sync_cycles_total",
		Help: "Filter synchronizer cycles by outcome",
	}, []string{"outcome"})
	r.SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filter_sync_retries_total",
		Help: "Backend call retries within sync cycles",
	})
	r.DriftDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filter_drift_detected_total",
		Help: "Cycles that found backend state diverged from the whitelist",
	})
	r.WhitelistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filter_whitelist_size",
		Help: "MAC addresses currently whitelisted for PXE boot",
	})

	return r
}
