package redis

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goredis "github.com/redis/go-redis/v9"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_commands_total",
			Help: "Total number of Redis commands issued by the daemon, by command",
		},
		[]string{"command"},
	)
	commandErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_command_errors_total",
			Help: "Total number of failed Redis commands, by command",
		},
		[]string{"command"},
	)
	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_command_duration_seconds",
			Help:    "Redis command latency in seconds, by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// MetricsClient wraps Client so snapshot cache reads, push subscriptions, and
// health pings are all visible on /metrics.
type MetricsClient struct {
	next *Client
}

// NewMetricsClient creates an instrumented Redis client.
func NewMetricsClient(next *Client) *MetricsClient {
	return &MetricsClient{next: next}
}

func observe(command string, fn func() error) error {
	timer := prometheus.NewTimer(commandDuration.WithLabelValues(command))
	err := fn()
	timer.ObserveDuration()

	commandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		commandErrorsTotal.WithLabelValues(command).Inc()
	}

	return err
}

// Get instruments Client.Get.
func (m *MetricsClient) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := observe("get", func() error {
		var getErr error
		result, getErr = m.next.Get(ctx, key)
		return getErr
	})

	return result, err
}

// Set instruments Client.Set.
func (m *MetricsClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return observe("set", func() error {
		return m.next.Set(ctx, key, value, ttl)
	})
}

// Delete instruments Client.Delete.
func (m *MetricsClient) Delete(ctx context.Context, key string) error {
	return observe("delete", func() error {
		return m.next.Delete(ctx, key)
	})
}

// Subscribe counts subscription attempts and forwards to Client.Subscribe.
// Only the command itself is observed; message traffic on the returned PubSub
// is counted by the push listener.
func (m *MetricsClient) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	var pubsub *goredis.PubSub
	_ = observe("subscribe", func() error {
		pubsub = m.next.Subscribe(ctx, channels...)
		return nil
	})

	return pubsub
}

// HealthCheck instruments the readiness ping.
func (m *MetricsClient) HealthCheck(ctx context.Context) error {
	return observe("ping", func() error {
		return m.next.HealthCheck(ctx)
	})
}

// Close closes underlying client.
func (m *MetricsClient) Close() error {
	return m.next.Close()
}

// TxPipeline forwards to the underlying client.
func (m *MetricsClient) TxPipeline() goredis.Pipeliner {
	return m.next.TxPipeline()
}
