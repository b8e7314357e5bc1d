package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox population metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matrx_sandboxes_total",
			Help: "Number of sandbox records by status",
		},
		[]string{"status"},
	)

	SandboxesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrx_sandboxes_created_total",
			Help: "Total number of sandboxes created",
		},
	)

	SandboxesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrx_expired_total",
			Help: "Total number of sandboxes reaped by the expiry loop",
		},
	)

	SandboxesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matrx_sandboxes_failed_total",
			Help: "Total number of sandboxes that failed during provisioning or at runtime",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matrx_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Exec metrics
	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "matrx_exec_duration_seconds",
			Help: "Command execution duration in seconds",
			// Commands range from sub-second shell calls to long builds.
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
	)

	// Background loop metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrx_reconcile_duration_seconds",
			Help:    "Reconcile pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Store metrics
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrx_store_errors_total",
			Help: "Total number of sandbox store errors by operation",
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SandboxesCreated)
	prometheus.MustRegister(SandboxesExpired)
	prometheus.MustRegister(SandboxesFailed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(StoreErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
