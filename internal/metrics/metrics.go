// Package metrics exposes the gateway's Prometheus instrumentation:
// request counts, pending-request depth, poll-tick outcomes, open
// WebSocket connections, and host link state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klippy_gw_http_requests_total",
		Help: "HTTP requests served by the gateway, by path and status class.",
	}, []string{"path", "status"})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klippy_gw_pending_requests",
		Help: "Outstanding requests awaiting a host reply.",
	})

	PollTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "klippy_gw_poll_ticks_total",
		Help: "Subscription-engine poll ticks, by tier and outcome.",
	}, []string{"tier", "outcome"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klippy_gw_websocket_connections",
		Help: "Currently open WebSocket connections.",
	})

	HostState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klippy_gw_host_state",
		Help: "Host link state as an integer (0=disconnected .. 4=shutdown).",
	})
)
