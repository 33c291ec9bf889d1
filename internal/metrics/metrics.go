// Package metrics exposes deployment pipeline counters on a private
// Prometheus registry. A disabled instance accepts every call and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deployengine"

type Metrics struct {
	registry *prometheus.Registry

	started    prometheus.Counter
	finished   *prometheus.CounterVec
	active     prometheus.Gauge
	stages     *prometheus.HistogramVec
	fixes      *prometheus.CounterVec
	teardowns  *prometheus.CounterVec
	sidecarRPC *prometheus.CounterVec
}

// New returns a collector; when enabled is false the result is a no-op.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_started_total",
			Help:      "Deployments picked up by a worker",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_finished_total",
			Help:      "Deployments that reached a terminal status",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployments_active",
			Help:      "Deployments currently running in this process",
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Terraform stage wall time",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "result"}),
		fixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autofix_attempts_total",
			Help:      "Auto-fix attempts by tier and result",
		}, []string{"tier", "result"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Destroy runs between or after attempts",
		}, []string{"result"}),
		sidecarRPC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sidecar_requests_total",
			Help:      "Requests sent to the MCP sidecar",
		}, []string{"method", "result"}),
	}
	m.registry.MustRegister(m.started, m.finished, m.active, m.stages, m.fixes, m.teardowns, m.sidecarRPC)
	return m
}

// Enabled reports whether samples are being recorded.
func (m *Metrics) Enabled() bool { return m != nil && m.registry != nil }

func (m *Metrics) DeploymentStarted() {
	if !m.Enabled() {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *Metrics) DeploymentFinished(outcome string) {
	if !m.Enabled() {
		return
	}
	m.finished.WithLabelValues(outcome).Inc()
	m.active.Dec()
}

func (m *Metrics) StageObserved(stage, result string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.stages.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) Teardown(result string) {
	if !m.Enabled() {
		return
	}
	m.teardowns.WithLabelValues(result).Inc()
}

// FixObserver matches the auto-fix engine's observer signature.
func (m *Metrics) FixObserver() func(tier, result string) {
	return func(tier, result string) {
		if m.Enabled() {
			m.fixes.WithLabelValues(tier, result).Inc()
		}
	}
}

// SidecarObserver matches the sidecar client's observer signature.
func (m *Metrics) SidecarObserver() func(method, result string) {
	return func(method, result string) {
		if m.Enabled() {
			m.sidecarRPC.WithLabelValues(method, result).Inc()
		}
	}
}

// Handler serves the registry, or 404 when disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry; nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
