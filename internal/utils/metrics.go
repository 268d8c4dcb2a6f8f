// internal/utils/metrics.go
package utils

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "storyloom"

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	PhaseTransitions   *prometheus.CounterVec
	CandidateResults   *prometheus.CounterVec
	CandidateLatency   *prometheus.HistogramVec
	InflightCandidates prometheus.Gauge
	Cascades           *prometheus.CounterVec
	SanitizerFailures  prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the process-wide metrics, registered with Go and process collectors.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		globalMetrics = NewMetrics(reg)
	})
	return globalMetrics
}

// NewMetrics registers all collectors on reg. Tests pass a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "phase_transitions_total",
			Help:      "Project phase transitions by source and target phase.",
		}, []string{"from", "to"}),
		CandidateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "candidates_total",
			Help:      "Chapter candidate generations by style and result.",
		}, []string{"style", "result"}),
		CandidateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "candidate_duration_seconds",
			Help:      "Latency of a single candidate generation call.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"style"}),
		InflightCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "candidates_inflight",
			Help:      "Candidate calls currently holding a semaphore slot.",
		}),
		Cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cascades_total",
			Help:      "Downstream artifact cascades by trigger and result.",
		}, []string{"trigger", "result"}),
		SanitizerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_model_output_total",
			Help:      "Model responses that could not be parsed after sanitizing.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.PhaseTransitions,
		m.CandidateResults,
		m.CandidateLatency,
		m.InflightCandidates,
		m.Cascades,
		m.SanitizerFailures,
		m.HTTPRequests,
		m.HTTPLatency,
	)
	return m
}

// RecordPhaseTransition counts one applied transition.
func (m *Metrics) RecordPhaseTransition(from, to string) {
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordCandidate counts one candidate outcome and its latency.
func (m *Metrics) RecordCandidate(style string, ok bool, elapsed time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.CandidateResults.WithLabelValues(style, result).Inc()
	m.CandidateLatency.WithLabelValues(style).Observe(elapsed.Seconds())
}

// RecordCascade counts one cascade attempt.
func (m *Metrics) RecordCascade(trigger string, err error) {
	result := "committed"
	if err != nil {
		result = "rolled_back"
	}
	m.Cascades.WithLabelValues(trigger, result).Inc()
}

// RecordHTTPRequest is called by the API metrics middleware.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
