package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callkit"

var (
	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_started_total",
		Help:      "Incoming calls accepted into the ringing state",
	}, []string{"media"})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_ended_total",
		Help:      "Calls torn down, by end reason",
	}, []string{"reason"})

	InvalidPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_payloads_total",
		Help:      "Inbound call signals dropped as malformed",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_emitted_total",
		Help:      "Events handed to the listener bridge, by event and path (direct|queued)",
	}, []string{"event", "path"})

	EventsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_queued_total",
		Help:      "Events parked in the durable queue because no listener was ready",
	}, []string{"event"})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dropped_total",
		Help:      "Queued events dropped as stale or targetless",
	})

	PresentationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presentation_retries_total",
		Help:      "Native presentation attempts that were retried",
	})

	PresentationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presentation_fallbacks_total",
		Help:      "Calls presented through the notification fallback, by error code",
	}, []string{"code"})

	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_errors_total",
		Help:      "Failed writes to persisted state, by namespace",
	}, []string{"namespace"})

	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bridge_clients",
		Help:      "Connected listener bridge clients",
	})
)

// IncCallEnded records a teardown with a non-empty reason label.
func IncCallEnded(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	CallsEnded.WithLabelValues(reason).Inc()
}

// IncEmitted records an event handed to the bridge.
func IncEmitted(event string, queued bool) {
	path := "direct"
	if queued {
		path = "queued"
	}
	EventsEmitted.WithLabelValues(event, path).Inc()
}
