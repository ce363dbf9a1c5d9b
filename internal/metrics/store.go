// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heartbeatPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_heartbeat_polls_total",
		Help: "Status polls by outcome",
	}, []string{"result"}) // ok|disconnected|error

	storeUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_store_updates_total",
		Help: "Effective state store changes by source",
	}, []string{"source"})

	backendConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zat_backend_connected",
		Help: "1 while the store believes the backend device is connected",
	})
)

// IncHeartbeatPoll counts one heartbeat poll.
func IncHeartbeatPoll(result string) {
	heartbeatPolls.WithLabelValues(result).Inc()
}

// IncStoreUpdate counts an effective store change.
func IncStoreUpdate(source string) {
	storeUpdates.WithLabelValues(source).Inc()
}

// SetBackendConnected mirrors the store's connection flag.
func SetBackendConnected(connected bool) {
	if connected {
		backendConnected.Set(1)
		return
	}
	backendConnected.Set(0)
}
