// Package metrics provides Prometheus instrumentation for the support chat
// service. It exposes gauges for connection, room, and report counts,
// counters for message and moderation throughput, and histograms for
// latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts posted messages by outcome: "posted", "blocked"
	// (rate limited), "rejected" (validation or membership), or "failed"
	// (persistence).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// MessageLatency records full post pipeline latency in seconds, from
	// receipt to broadcast enqueue.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_message_latency_seconds",
		Help:    "Message post pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CrisisDetectionsTotal counts positive crisis detections by severity.
	CrisisDetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_crisis_detections_total",
		Help: "Total number of positive crisis detections",
	}, []string{"severity"})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_active_rooms",
		Help: "Current number of active rooms",
	})

	// OpenReports tracks reports in the pending, reviewed, or escalated states.
	OpenReports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_open_reports",
		Help: "Current number of unresolved moderation reports",
	})

	// EnforcementsTotal counts applied enforcement actions by kind.
	EnforcementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_enforcements_total",
		Help: "Total number of enforcement actions applied",
	}, []string{"action"})

	// ScanCyclesTotal counts periodic auto-scan sweeps by result:
	// "clean", "reported", or "error".
	ScanCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_scan_cycles_total",
		Help: "Total number of auto-moderation scan cycles",
	}, []string{"result"})

	// MatchQueueSize tracks the current number of users waiting for a peer.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_match_queue_size",
		Help: "Current number of users in the peer matching queue",
	})

	// MatchDuration records the time from match request to peer room ready.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_match_duration_seconds",
		Help:    "Time from match request to peer room ready",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		CrisisDetectionsTotal,
		ActiveRooms,
		OpenReports,
		EnforcementsTotal,
		ScanCyclesTotal,
		MatchQueueSize,
		MatchDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
