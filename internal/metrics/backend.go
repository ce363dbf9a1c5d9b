// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_backend_requests_total",
		Help: "Backend REST calls by operation and outcome",
	}, []string{
		"op",     // connect|status|task_engine_start|...
		"result", // success|transport_error|bad_response|http_error
	})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zat_backend_request_duration_seconds",
		Help:    "Backend REST call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveBackendRequest records one backend call.
func ObserveBackendRequest(op, result string, d time.Duration) {
	if result == "" {
		result = "unknown"
	}
	backendRequestsTotal.WithLabelValues(op, result).Inc()
	backendRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}
