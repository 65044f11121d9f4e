package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_refreshes_total",
			Help: "Total number of snapshot refreshes labeled by trigger and status",
		},
		[]string{"trigger", "status"},
	)
	refreshDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_refresh_duration_seconds",
			Help:    "Duration of snapshot refreshes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)
	pushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_events_total",
			Help: "Total number of push events received labeled by kind",
		},
		[]string{"kind"},
	)
	rpcInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_invocations_total",
			Help: "Total number of remote procedure invocations by procedure and status",
		},
		[]string{"procedure", "status"},
	)
	coordinatorTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_transitions_total",
			Help: "Total number of refresh coordinator state transitions",
		},
		[]string{"from", "to"},
	)
	staleServesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_snapshot_serves_total",
			Help: "Times a cached snapshot was served because a refresh timed out or failed",
		},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors split by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Current number of reconciled principal sessions",
		},
	)
	listenerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_listeners_connected",
			Help: "Number of push listeners currently in the subscribed state",
		},
	)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		},
		[]string{"route", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordRefresh increments refresh counters and records duration.
func RecordRefresh(trigger, status string, duration time.Duration) {
	if trigger == "" {
		trigger = "unknown"
	}
	if status == "" {
		status = "unknown"
	}

	refreshesTotal.WithLabelValues(trigger, status).Inc()
	refreshDurationSeconds.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordPushEvent counts a decoded push event.
func RecordPushEvent(kind string) {
	if kind == "" {
		kind = "unknown"
	}

	pushEventsTotal.WithLabelValues(kind).Inc()
}

// RecordInvocation counts a remote procedure call outcome.
func RecordInvocation(procedure, status string) {
	if procedure == "" {
		procedure = "unknown"
	}
	if status == "" {
		status = "unknown"
	}

	rpcInvocationsTotal.WithLabelValues(procedure, status).Inc()
}

// RecordCoordinatorTransition tracks coordinator state changes.
func RecordCoordinatorTransition(from, to string) {
	if from == "" {
		from = "unknown"
	}
	if to == "" {
		to = "unknown"
	}

	coordinatorTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordStaleServe counts a cache fallback.
func RecordStaleServe() {
	staleServesTotal.Inc()
}

// RecordError increments error counters with metadata.
func RecordError(kind, severity string) {
	if kind == "" {
		kind = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}

	errorsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordHTTPRequest counts an HTTP request and records its duration.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "unknown"
	}

	httpRequestsTotal.WithLabelValues(route, status).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetActiveSessions updates the gauge for reconciled sessions.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// SetListenersConnected updates the connected-listener gauge.
func SetListenersConnected(count int) {
	listenerConnected.Set(float64(count))
}

// SessionCounter reports the current session population.
type SessionCounter interface {
	Count() int
	ConnectedCount() int
}

// SessionCollector periodically samples the session registry and emits gauges.
type SessionCollector struct {
	registry SessionCounter
}

// NewSessionCollector builds a collector bound to the session registry.
func NewSessionCollector(registry SessionCounter) *SessionCollector {
	return &SessionCollector{registry: registry}
}

// Run samples the registry every 10 seconds until ctx is cancelled.
func (c *SessionCollector) Run(ctx context.Context) {
	if c == nil || c.registry == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		SetActiveSessions(c.registry.Count())
		SetListenersConnected(c.registry.ConnectedCount())

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}
