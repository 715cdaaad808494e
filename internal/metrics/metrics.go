// Package metrics provides Prometheus instrumentation for the fleet
// orchestrator: worker population gauges, RPC channel reconnect/tail
// counters, and VM API call latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (status page).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Total number of HTTP requests served by the status page.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "Status page HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// VM API metrics.
var (
	VMAPIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_vmapi_requests_total",
		Help: "Total number of VM control API requests.",
	}, []string{"operation", "code"})

	VMAPIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_vmapi_request_duration_seconds",
		Help:    "VM control API request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// RPC channel metrics.
var (
	RPCChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_rpcchannel_tail_reconnects_total",
		Help: "Total number of times an RPC channel's tail stream reconnected.",
	})

	RPCChannelSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rpcchannel_sends_total",
		Help: "Total number of outbound RPC channel sends, by outcome.",
	}, []string{"outcome"})

	RPCChannelEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rpcchannel_events_total",
		Help: "Total number of inbound events dispatched from RPC channel tails, by event type.",
	}, []string{"type"})
)

// Fleet population gauges.
var (
	ActiveSwarmWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_active_swarm_workers",
		Help: "Number of currently tracked swarm workers.",
	})

	ActiveLieutenants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_active_lieutenants",
		Help: "Number of currently tracked lieutenants, by status.",
	}, []string{"status"})
)

// WebSocket metrics (status page live tail).
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ws_connections_active",
		Help: "Number of active status-page WebSocket tail connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_ws_messages_total",
		Help: "Total number of WebSocket tail messages sent.",
	})
)
