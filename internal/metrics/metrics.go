// Package metrics exposes Prometheus instrumentation for the RoboLink
// server. All collectors are registered on the default registry via promauto
// and served on /metrics by the API router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the number of live connections by role.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "robolink_connections_active",
		Help: "Number of currently registered connections, by role.",
	}, []string{"role"})

	// MonitorsActive tracks the size of the monitor subscription set.
	MonitorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "robolink_monitors_active",
		Help: "Number of connections subscribed as monitors.",
	})

	// MessagesProcessed counts dispatched inbound messages by type and outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_messages_processed_total",
		Help: "Inbound messages dispatched to a handler, by message type and outcome.",
	}, []string{"type", "outcome"})

	// MessagesSent counts frames written to peer transports.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_messages_sent_total",
		Help: "Messages successfully written to a peer transport.",
	})

	// AllocationsTotal counts robot allocation attempts by result.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_allocations_total",
		Help: "Robot allocation requests, by result (allocated or exhausted).",
	}, []string{"result"})
)

// Handler returns the HTTP handler serving the default registry in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
