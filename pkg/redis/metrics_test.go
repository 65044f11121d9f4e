package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMetricsClient(t *testing.T) *MetricsClient {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewMetricsClient(client)
}

func TestMetricsClient_CountsCommands(t *testing.T) {
	m := setupMetricsClient(t)
	ctx := context.Background()

	setBefore := testutil.ToFloat64(commandsTotal.WithLabelValues("set"))
	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	assert.Equal(t, setBefore+1, testutil.ToFloat64(commandsTotal.WithLabelValues("set")))

	getBefore := testutil.ToFloat64(commandsTotal.WithLabelValues("get"))
	value, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
	assert.Equal(t, getBefore+1, testutil.ToFloat64(commandsTotal.WithLabelValues("get")))
}

func TestMetricsClient_CountsErrors(t *testing.T) {
	m := setupMetricsClient(t)

	errsBefore := testutil.ToFloat64(commandErrorsTotal.WithLabelValues("get"))
	_, err := m.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, errsBefore+1, testutil.ToFloat64(commandErrorsTotal.WithLabelValues("get")))
}

func TestMetricsClient_InstrumentsSubscribeAndPing(t *testing.T) {
	m := setupMetricsClient(t)
	ctx := context.Background()

	subBefore := testutil.ToFloat64(commandsTotal.WithLabelValues("subscribe"))
	pubsub := m.Subscribe(ctx, "principal:events:p1")
	require.NotNil(t, pubsub)
	t.Cleanup(func() { _ = pubsub.Close() })
	assert.Equal(t, subBefore+1, testutil.ToFloat64(commandsTotal.WithLabelValues("subscribe")))

	pingBefore := testutil.ToFloat64(commandsTotal.WithLabelValues("ping"))
	require.NoError(t, m.HealthCheck(ctx))
	assert.Equal(t, pingBefore+1, testutil.ToFloat64(commandsTotal.WithLabelValues("ping")))
}
