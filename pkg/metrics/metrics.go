// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal tracks inbound events processed by the reconciliation
	// engine, by event kind and outcome.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Inbound events processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// DuplicatesDiscarded tracks double deliveries dropped by the
	// server-id presence check.
	DuplicatesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_duplicate_deliveries_discarded_total",
			Help: "Duplicate message deliveries silently discarded",
		},
	)

	// MalformedEvents tracks payloads dropped at the decode boundary.
	MalformedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_malformed_events_total",
			Help: "Inbound payloads dropped as unparseable",
		},
		[]string{"topic"},
	)

	// MessagesSent tracks locally originated sends by kind.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Locally originated message sends by kind",
		},
		[]string{"kind"},
	)

	// SendsInFlight tracks optimistic messages awaiting confirmation.
	SendsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_optimistic_sends_in_flight",
			Help: "Optimistic messages not yet acknowledged",
		},
	)

	// SendFailures tracks sends that ended in a failed delivery state.
	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Sends whose publish or upload was rejected",
		},
	)

	// ActiveSubscriptions tracks live topic subscriptions by class.
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_active_subscriptions",
			Help: "Live topic subscriptions by class",
		},
		[]string{"class"},
	)

	// HistoryFetchDuration tracks history page fetch latency.
	HistoryFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_history_fetch_duration_seconds",
			Help:    "History page fetch duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"resource", "status"},
	)

	// RequestDuration tracks ops HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ops_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total ops HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionState reports the connection lifecycle state as a labeled
	// gauge (1 on the current state, 0 elsewhere).
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_connection_state",
			Help: "Connection lifecycle state indicator",
		},
		[]string{"state"},
	)
)

// RecordEvent records an inbound event outcome.
func RecordEvent(kind, outcome string) {
	EventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordHistoryFetch records a history page fetch.
func RecordHistoryFetch(resource, status string, seconds float64) {
	HistoryFetchDuration.WithLabelValues(resource, status).Observe(seconds)
}

// RecordRequest records metrics for an ops HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetConnectionState flips the state gauge to the given state.
func SetConnectionState(state string) {
	for _, s := range []string{"idle", "connecting", "open", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
