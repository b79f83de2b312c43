// Package metrics provides Prometheus metrics for CubeStore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CubeStore
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Repository metrics
	RepoOperationsTotal   *prometheus.CounterVec
	RepoOperationDuration *prometheus.HistogramVec

	// Engine metrics
	CubeMutationsTotal *prometheus.CounterVec
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EvaluationHops     prometheus.Histogram
	ReleasesTotal      *prometheus.CounterVec
	ReleasedCubesTotal prometheus.Counter
	LockWaitDuration   prometheus.Histogram

	// Server metrics
	ServerStartTime time.Time

	registerer prometheus.Registerer
}

// NewMetrics creates and registers all metrics on the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg, letting tests use a private
// registry
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		registerer:      reg,
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubestore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cubestore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "cubestore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Repository metrics
	m.RepoOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubestore_repo_operations_total",
			Help: "Total number of repository operations",
		},
		[]string{"operation", "status"},
	)

	m.RepoOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cubestore_repo_operation_duration_seconds",
			Help:    "Duration of repository operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// Engine metrics
	m.CubeMutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubestore_cube_mutations_total",
			Help: "Total number of cube mutations by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	m.EvaluationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubestore_evaluations_total",
			Help: "Total number of top-level evaluations by outcome",
		},
		[]string{"outcome"},
	)

	m.EvaluationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cubestore_evaluation_duration_seconds",
			Help:    "Duration of top-level evaluations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	m.EvaluationHops = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cubestore_evaluation_hops",
			Help:    "Cells evaluated per top-level evaluation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	m.ReleasesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubestore_releases_total",
			Help: "Total number of release attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.ReleasedCubesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cubestore_released_cubes_total",
			Help: "Total number of cubes moved to RELEASE",
		},
	)

	m.LockWaitDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cubestore_lock_wait_seconds",
			Help:    "Time spent waiting for cube locks",
			Buckets: []float64{.0001, .001, .01, .1, 1, 10},
		},
	)

	// Server metrics
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cubestore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// RegisterCacheStats exposes reference cache counters read on scrape
func (m *Metrics) RegisterCacheStats(hits, misses func() int64) {
	factory := promauto.With(m.registerer)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "cubestore_refgraph_cache_hits_total",
			Help: "Reference scans served from the content-hash cache",
		},
		func() float64 { return float64(hits()) },
	)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "cubestore_refgraph_cache_misses_total",
			Help: "Reference scans that had to parse cube formulas",
		},
		func() float64 { return float64(misses()) },
	)
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRepoOperation records a repository operation
func (m *Metrics) RecordRepoOperation(operation string, status string, duration time.Duration) {
	m.RepoOperationsTotal.WithLabelValues(operation, status).Inc()
	m.RepoOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMutation records one structural or content edit
func (m *Metrics) RecordMutation(operation string, err error) {
	m.CubeMutationsTotal.WithLabelValues(operation, statusOf(err)).Inc()
}

// RecordEvaluation records a top-level evaluation; outcome is "success" or
// the error kind
func (m *Metrics) RecordEvaluation(outcome string, hops int, duration time.Duration) {
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
	if hops > 0 {
		m.EvaluationHops.Observe(float64(hops))
	}
}

// RecordRelease records a release attempt
func (m *Metrics) RecordRelease(outcome string, cubes int) {
	m.ReleasesTotal.WithLabelValues(outcome).Inc()
	m.ReleasedCubesTotal.Add(float64(cubes))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
