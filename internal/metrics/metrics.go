// Package metrics exposes Prometheus collectors for sessions, sandboxes and
// the realtime transport. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the devspace collectors. All metrics use the devspace_ namespace.
type Metrics struct {
	reg *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsResumed   prometheus.Counter
	Terminations      *prometheus.CounterVec
	InitRejected      *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	Connections       prometheus.Gauge
	InputThrottled    prometheus.Counter
	TreeEmissions     *prometheus.CounterVec
	FSOps             *prometheus.CounterVec
	Downloads         *prometheus.CounterVec
}

// New creates and registers the collectors on reg. Returns nil if reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		reg: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devspace",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live sessions, connected or within their disconnect grace.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions successfully provisioned.",
		}),
		SessionsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "sessions",
			Name:      "resumed_total",
			Help:      "Sessions re-bound to a new connection.",
		}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Session terminations by reason (kill, idle, memory, cpu, grace, exit, stream).",
		}, []string{"reason"}),
		InitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "sessions",
			Name:      "init_rejected_total",
			Help:      "Rejected workspace:init requests by cause.",
		}, []string{"cause"}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devspace",
			Subsystem: "sandbox",
			Name:      "provision_duration_seconds",
			Help:      "Time to create a sandbox and open its shell.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devspace",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open realtime connections.",
		}),
		InputThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "terminal",
			Name:      "input_throttled_total",
			Help:      "Terminal inputs dropped by the token bucket.",
		}),
		TreeEmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "tree",
			Name:      "emissions_total",
			Help:      "File tree snapshots pushed, by whether the tree changed.",
		}, []string{"changed"}),
		FSOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "fs",
			Name:      "operations_total",
			Help:      "Filesystem proxy operations by op and outcome.",
		}, []string{"op", "outcome"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "download",
			Name:      "redemptions_total",
			Help:      "Download token redemptions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsCreated,
		m.SessionsResumed,
		m.Terminations,
		m.InitRejected,
		m.ProvisionDuration,
		m.Connections,
		m.InputThrottled,
		m.TreeEmissions,
		m.FSOps,
		m.Downloads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated(provision time.Duration) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
	m.ProvisionDuration.Observe(provision.Seconds())
}

func (m *Metrics) SessionResumed() {
	if m == nil {
		return
	}
	m.SessionsResumed.Inc()
}

func (m *Metrics) SessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.Terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) InitRejectedBy(cause string) {
	if m == nil {
		return
	}
	m.InitRejected.WithLabelValues(cause).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.InputThrottled.Inc()
}

func (m *Metrics) TreeEmitted(changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.TreeEmissions.WithLabelValues(label).Inc()
}

func (m *Metrics) FSOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FSOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Download(outcome string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
}
