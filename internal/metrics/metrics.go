// Package metrics provides Prometheus metrics for the tag store
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the tag store
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store operation metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	SearchResultsTotal     prometheus.Counter
	TagsTotal              prometheus.Gauge
	DbSizeBytes            prometheus.Gauge

	// Lookup metrics
	LookupRequestsTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler, or a
// fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Store operation metrics
	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstore_store_operations_total",
			Help: "Total number of tag store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagstore_store_operation_duration_seconds",
			Help:    "Duration of tag store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstore_search_results_total",
			Help: "Total number of tags returned by searches",
		},
	)

	m.TagsTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagstore_tags_total",
			Help: "Number of live tags",
		},
	)

	m.DbSizeBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagstore_db_size_bytes",
			Help: "Bytes flushed to the embedded database file",
		},
	)

	m.LookupRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstore_lookup_requests_total",
			Help: "Total number of component existence lookups",
		},
		[]string{"result"},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime updates the uptime gauge every interval until ctx is done
func (m *Metrics) RunUptime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveOperation records a tag store operation
func (m *Metrics) ObserveOperation(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveSearch records the number of tags a search returned
func (m *Metrics) ObserveSearch(results int) {
	m.SearchResultsTotal.Add(float64(results))
}

// SetTagCount updates the live tag gauge
func (m *Metrics) SetTagCount(n int) {
	m.TagsTotal.Set(float64(n))
}

// SetDbSize updates the database size gauge
func (m *Metrics) SetDbSize(bytes int64) {
	m.DbSizeBytes.Set(float64(bytes))
}

// ObserveLookup records a component existence lookup result
func (m *Metrics) ObserveLookup(exists bool, err error) {
	result := "found"
	switch {
	case err != nil:
		result = "error"
	case !exists:
		result = "missing"
	}
	m.LookupRequestsTotal.WithLabelValues(result).Inc()
}
