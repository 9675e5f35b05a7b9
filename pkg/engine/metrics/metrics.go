// Package metrics exposes the engine's Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Call lifecycle
	CallsActive     prometheus.Gauge
	HandshakesTotal *prometheus.CounterVec
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec

	// Survey progress
	QuestionsCompletedTotal prometheus.Counter
	BargeInsTotal           prometheus.Counter

	// Submission delivery
	SubmissionsTotal *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sawt"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of live calls owned by this process",
		},
	)

	handshakesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total stream handshakes by outcome",
		},
		[]string{"outcome"},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total finished calls by terminal reason",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		},
		[]string{"reason"},
	)

	questionsCompletedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_completed_total",
			Help:      "Total survey questions that completed answer capture",
		},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total caller interruptions of engine playback",
		},
	)

	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total submission outcomes by result",
		},
		[]string{"result"},
	)

	alertsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total operator alerts by kind",
		},
		[]string{"kind"},
	)

	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "submission_queue_depth",
			Help:      "Submissions parked in the fallback queue",
		},
	)

	registry.MustRegister(
		callsActive,
		handshakesTotal,
		callsTotal,
		callDuration,
		questionsCompletedTotal,
		bargeInsTotal,
		submissionsTotal,
		alertsTotal,
		queueDepth,
	)

	return &Metrics{
		registry:                registry,
		CallsActive:             callsActive,
		HandshakesTotal:         handshakesTotal,
		CallsTotal:              callsTotal,
		CallDuration:            callDuration,
		QuestionsCompletedTotal: questionsCompletedTotal,
		BargeInsTotal:           bargeInsTotal,
		SubmissionsTotal:        submissionsTotal,
		AlertsTotal:             alertsTotal,
		QueueDepth:              queueDepth,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHandshake records a stream handshake outcome.
func (m *Metrics) RecordHandshake(outcome string) {
	m.HandshakesTotal.WithLabelValues(outcome).Inc()
}

// RecordCallStart records a call entering the registry.
func (m *Metrics) RecordCallStart() {
	m.CallsActive.Inc()
}

// RecordCallEnd records a finished call.
func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordQuestions adds to the completed-question counter.
func (m *Metrics) RecordQuestions(n int) {
	if n > 0 {
		m.QuestionsCompletedTotal.Add(float64(n))
	}
}

// RecordBargeIns adds to the barge-in counter.
func (m *Metrics) RecordBargeIns(n int) {
	if n > 0 {
		m.BargeInsTotal.Add(float64(n))
	}
}

// RecordSubmission records a submission's final result.
func (m *Metrics) RecordSubmission(result string) {
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordAlert records an operator alert.
func (m *Metrics) RecordAlert(kind string) {
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth updates the fallback-queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}
