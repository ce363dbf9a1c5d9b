// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogramCount(t *testing.T, vec *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m, ok := vec.WithLabelValues(labels...).(prometheus.Metric)
	require.True(t, ok)
	metric := &dto.Metric{}
	require.NoError(t, m.Write(metric))
	return metric.GetHistogram().GetSampleCount()
}

func TestSetStreamStateIsOneHot(t *testing.T) {
	SetStreamState("/ws/test", "connecting")
	assert.Equal(t, 1.0, testutil.ToFloat64(streamState.WithLabelValues("/ws/test", "connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(streamState.WithLabelValues("/ws/test", "open")))

	SetStreamState("/ws/test", "open")
	assert.Equal(t, 0.0, testutil.ToFloat64(streamState.WithLabelValues("/ws/test", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(streamState.WithLabelValues("/ws/test", "open")))
}

func TestObserveBackendRequest(t *testing.T) {
	before := testutil.ToFloat64(backendRequestsTotal.WithLabelValues("metrics_test", "unknown"))
	ObserveBackendRequest("metrics_test", "", 10*time.Millisecond)
	after := testutil.ToFloat64(backendRequestsTotal.WithLabelValues("metrics_test", "unknown"))
	assert.Equal(t, before+1, after)
	assert.Equal(t, uint64(1), histogramCount(t, backendRequestDuration, "metrics_test"))
}

func TestObserveHTTPRequest(t *testing.T) {
	ObserveHTTPRequest("GET", "/api/metrics_test", 200, 512, 5*time.Millisecond)
	ObserveHTTPRequest("GET", "/api/metrics_test", 200, 2048, 7*time.Millisecond)
	assert.Equal(t, uint64(2), histogramCount(t, httpRequestDuration, "GET", "/api/metrics_test", "200"))
	assert.Equal(t, uint64(2), histogramCount(t, httpResponseSize, "GET", "/api/metrics_test", "200"))

	done := HTTPRequestStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequestsInFlight))
}

func TestSetBackendConnected(t *testing.T) {
	SetBackendConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(backendConnected))
	SetBackendConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(backendConnected))
}
