// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zat_stream_state",
		Help: "Push stream state by endpoint (disconnected=1, connecting=1, open=1; others 0)",
	}, []string{"endpoint", "state"})

	streamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_stream_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a stream closed",
	}, []string{"endpoint"})

	streamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zat_stream_messages_total",
		Help: "Inbound push messages by endpoint and outcome",
	}, []string{"endpoint", "outcome"}) // delivered|malformed
)

var streamStates = []string{"disconnected", "connecting", "open"}

// SetStreamState records the active state for a stream endpoint.
func SetStreamState(endpoint, state string) {
	for _, s := range streamStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		streamState.WithLabelValues(endpoint, s).Set(value)
	}
}

// IncStreamReconnect counts a scheduled reconnect.
func IncStreamReconnect(endpoint string) {
	streamReconnects.WithLabelValues(endpoint).Inc()
}

// IncStreamMessage counts an inbound message.
func IncStreamMessage(endpoint, outcome string) {
	streamMessages.WithLabelValues(endpoint, outcome).Inc()
}
