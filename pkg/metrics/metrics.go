// Package metrics exposes the fleet's Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Total number of API requests received",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	responsePayloadSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_http_response_payload_bytes",
			Help:    "API response payload size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)

	// Provisioning metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_provisioning_operations_total",
			Help: "Total number of provisioning operations",
		},
		[]string{"operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_provisioning_operation_duration_seconds",
			Help:    "Provisioning operation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// Client cache metrics
	clientsConstructed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cluster_clients_constructed_total",
			Help: "Total number of cluster API clients constructed",
		},
		[]string{"cluster"},
	)

	clientsCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_cluster_clients_cached",
			Help: "Number of cluster API clients currently cached",
		},
	)
)

// Recorder records fleet metrics. A nil Recorder records nothing, so
// components can be built without metrics in tests.
type Recorder struct{}

// NewRecorder creates a new metrics recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordRequest records an API request
func (r *Recorder) RecordRequest(method, path string, status int, duration time.Duration, responseSize int) {
	if r == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	requestsTotal.WithLabelValues(method, path, statusStr).Inc()
	requestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
	if responseSize > 0 {
		responsePayloadSize.WithLabelValues(method, path, statusStr).Observe(float64(responseSize))
	}
}

// RecordOperation records the outcome of a provisioning operation started
// at start.
func (r *Recorder) RecordOperation(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ClientConstructed counts one client construction for cluster
func (r *Recorder) ClientConstructed(cluster string) {
	if r == nil {
		return
	}
	clientsConstructed.WithLabelValues(cluster).Inc()
}

// SetCachedClients updates the cached client gauge
func (r *Recorder) SetCachedClients(n int) {
	if r == nil {
		return
	}
	clientsCached.Set(float64(n))
}
