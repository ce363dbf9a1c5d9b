// SPDX-License-Identifier: MIT

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zat_http_request_duration_seconds",
		Help:    "Panel HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zat_http_requests_in_flight",
		Help: "Current number of panel HTTP requests being served",
	})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zat_http_response_size_bytes",
		Help:    "Panel HTTP response sizes in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path", "status"})

	eventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zat_panel_event_clients",
		Help: "Connected /api/events WebSocket clients",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zat_panel_event_clients_dropped_total",
		Help: "Event clients disconnected because their send buffer was full",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_panel_cache_lookups_total",
		Help: "Catalog cache lookups by key and result",
	}, []string{"key", "result"}) // hit|miss|error
)

// HTTPRequestStarted tracks one in-flight request; call the returned func when done.
func HTTPRequestStarted() func() {
	httpRequestsInFlight.Inc()
	return httpRequestsInFlight.Dec
}

// ObserveHTTPRequest records one finished request. path must be a route
// pattern, not the raw URL.
func ObserveHTTPRequest(method, path string, status, bytes int, d time.Duration) {
	code := strconv.Itoa(status)
	httpRequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
	if bytes > 0 {
		httpResponseSize.WithLabelValues(method, path, code).Observe(float64(bytes))
	}
}

// SetEventClients records the number of connected event clients.
func SetEventClients(n int) {
	eventClients.Set(float64(n))
}

// IncEventClientDropped counts a slow client that was disconnected.
func IncEventClientDropped() {
	eventsDropped.Inc()
}

// IncCacheLookup counts one catalog cache lookup.
func IncCacheLookup(key, result string) {
	cacheLookups.WithLabelValues(key, result).Inc()
}
