package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	nodeOutcomes   *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	revisions      prometheus.Counter
	sandboxesInUse prometheus.Gauge
	executions     *prometheus.CounterVec
	gatesWaiting   prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		nodeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "node_outcomes_total",
			Help:      "Settled nodes by backend and final status.",
		}, []string{"backend", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Name:      "node_duration_seconds",
			Help:      "Wall time of a node from start to settlement.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		}, []string{"backend"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "retries_total",
			Help:      "Node retry attempts.",
		}, []string{"backend"}),
		revisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "revisions_total",
			Help:      "Gate revisions requested.",
		}),
		sandboxesInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "sandboxes_in_use",
			Help:      "Sandboxes currently held by lane tasks.",
		}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Name:      "executions_total",
			Help:      "Terminal executions by status.",
		}, []string{"status"}),
		gatesWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "gates_waiting",
			Help:      "Gates currently waiting for a decision.",
		}),
	}
}

func (m *Metrics) nodeSettled(backend, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeOutcomes.WithLabelValues(backend, status).Inc()
	m.nodeDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) retried(backend string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend).Inc()
}

func (m *Metrics) revised() {
	if m == nil {
		return
	}
	m.revisions.Inc()
}

func (m *Metrics) sandboxAcquired() {
	if m == nil {
		return
	}
	m.sandboxesInUse.Inc()
}

func (m *Metrics) sandboxReleased() {
	if m == nil {
		return
	}
	m.sandboxesInUse.Dec()
}

func (m *Metrics) gateOpened() {
	if m == nil {
		return
	}
	m.gatesWaiting.Inc()
}

func (m *Metrics) gateClosed() {
	if m == nil {
		return
	}
	m.gatesWaiting.Dec()
}

func (m *Metrics) executionFinished(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}
