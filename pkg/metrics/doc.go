/*
Package metrics exposes the control plane's Prometheus instrumentation.

All metrics are package-level collectors registered in init() and share
the matrx_ prefix:

	matrx_sandboxes_total{status}              gauge, sampled from the store
	matrx_sandboxes_created_total              counter, event-driven
	matrx_expired_total                        counter, event-driven
	matrx_sandboxes_failed_total               counter, event-driven
	matrx_api_requests_total{method,path,status}
	matrx_api_request_duration_seconds{method,path}
	matrx_exec_duration_seconds
	matrx_reconcile_duration_seconds
	matrx_store_errors_total{op}

Two feeders keep them current: the Collector samples the sandbox store
every 15 seconds and rewrites the per-status gauge (authoritative, drop
proof), and the EventSink consumes the lifecycle broker for the
monotonic counters.

Timing uses the Timer helper:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExecDuration)

Handler() returns the promhttp handler the API mounts at /metrics.
*/
package metrics
