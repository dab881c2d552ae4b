// Package metrics exposes Prometheus instrumentation for predictions,
// compactions and the blob server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	predictions    *prometheus.CounterVec
	compactions    *prometheus.CounterVec
	capturesMerged prometheus.Counter
	testsDropped   prometheus.Counter
	deleteFailures prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

// NewWith registers the collectors with reg; gatherer serves Handler.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skippy_predictions_total",
			Help: "Predictions by outcome and reason",
		}, []string{"prediction", "reason"}),
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skippy_compactions_total",
			Help: "Compaction passes by final state",
		}, []string{"state"}),
		capturesMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "skippy_captures_merged_total",
			Help: "Temporary captures merged into a snapshot",
		}),
		testsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "skippy_tests_dropped_total",
			Help: "Tests dropped from a snapshot because their capture was malformed",
		}),
		deleteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "skippy_temporary_delete_failures_total",
			Help: "Temporary artifacts that could not be deleted after compaction",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skippy_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skippy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"method"}),
	}
}

// Prediction counts one prediction.
func (m *Metrics) Prediction(prediction, reason string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(prediction, reason).Inc()
}

// Compaction counts a finished compaction pass and what it did.
func (m *Metrics) Compaction(state string, merged, dropped, deleteFailures int) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(state).Inc()
	m.capturesMerged.Add(float64(merged))
	m.testsDropped.Add(float64(dropped))
	m.deleteFailures.Add(float64(deleteFailures))
}

// Request records one served HTTP request.
func (m *Metrics) Request(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
