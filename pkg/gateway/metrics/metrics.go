// Package metrics defines the Prometheus instrumentation shared by the
// Gateway Server and the Session Manager, namespaced under
// "wasmbed_gateway_".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the gateway process exposes
// on its /metrics endpoint.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SessionsAcceptedTotal *prometheus.CounterVec
	SessionsClosedTotal   *prometheus.CounterVec
	SessionsOpen          prometheus.Gauge

	EnrollmentsTotal *prometheus.CounterVec
	HeartbeatsTotal  prometheus.Counter

	SendQueueFullTotal   prometheus.Counter
	RequestTimeoutsTotal prometheus.Counter
}

// NewMetrics registers all metrics against the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics against a caller-supplied
// registerer, so tests can use a fresh prometheus.NewRegistry() per case.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmbed_gateway_http_requests_total",
			Help: "Total admin HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wasmbed_gateway_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		SessionsAcceptedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmbed_gateway_sessions_accepted_total",
			Help: "Sessions accepted, by outcome (ok, superseded, rejected).",
		}, []string{"outcome"}),
		SessionsClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmbed_gateway_sessions_closed_total",
			Help: "Sessions closed, by reason.",
		}, []string{"reason"}),
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wasmbed_gateway_sessions_open",
			Help: "Currently open sessions on this gateway.",
		}),
		EnrollmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmbed_gateway_enrollments_total",
			Help: "Enrollment attempts, by outcome.",
		}, []string{"outcome"}),
		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wasmbed_gateway_heartbeats_total",
			Help: "Heartbeat messages received across all sessions.",
		}),
		SendQueueFullTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wasmbed_gateway_send_queue_full_total",
			Help: "Sends rejected because a session's outbound queue was full.",
		}),
		RequestTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wasmbed_gateway_request_timeouts_total",
			Help: "Correlated requests that expired before a reply arrived.",
		}),
	}
	return m
}
