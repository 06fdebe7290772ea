// Package metrics exposes TalkBridge counters and histograms on a Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "talkbridge"

// Metrics holds every collector. The zero value is not usable; use New.
type Metrics struct {
	registry *prometheus.Registry

	classifications *prometheus.CounterVec
	hardStops       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	pipelineLatency *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	inbound         *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_classifications_total",
			Help:      "Risk verdicts by level and whether the fallback was used",
		}, []string{"level", "fallback"}),
		hardStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_stops_total",
			Help:      "Critical-safety hard stops by whether the session was locked",
		}, []string{"locked"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions",
		}, []string{"from", "to"}),
		pipelineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent processing one inbound message",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"path", "level"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reframe_deliveries_total",
			Help:      "Approved reframes handed to the messaging provider",
		}, []string{"outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound participant messages by routing result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.classifications,
		m.hardStops,
		m.transitions,
		m.pipelineLatency,
		m.deliveries,
		m.inbound,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveClassification counts a risk verdict.
func (m *Metrics) ObserveClassification(level models.RiskLevel, fallback bool) {
	m.classifications.WithLabelValues(string(level), strconv.FormatBool(fallback)).Inc()
}

// ObserveHardStop counts a hard stop.
func (m *Metrics) ObserveHardStop(transitioned bool) {
	m.hardStops.WithLabelValues(strconv.FormatBool(transitioned)).Inc()
}

// ObserveTransition counts a status change.
func (m *Metrics) ObserveTransition(from, to models.SessionStatus) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObservePipeline records the duration of one pipeline run.
func (m *Metrics) ObservePipeline(path string, level models.RiskLevel, elapsed time.Duration) {
	m.pipelineLatency.WithLabelValues(path, string(level)).Observe(elapsed.Seconds())
}

// ObserveDelivery counts an outbox delivery outcome ("sent", "failed", "undeliverable").
func (m *Metrics) ObserveDelivery(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}

// ObserveInbound counts an inbound message routing result.
func (m *Metrics) ObserveInbound(result string) {
	m.inbound.WithLabelValues(result).Inc()
}
