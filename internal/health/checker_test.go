package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticCheck struct {
	err error
}

func (c staticCheck) HealthCheck(ctx context.Context) error {
	return c.err
}

type staticSessions struct {
	total     int
	connected int
}

func (s staticSessions) Count() int          { return s.total }
func (s staticSessions) ConnectedCount() int { return s.connected }

func TestChecker_ReportsPerComponent(t *testing.T) {
	c := NewChecker(testLogger())
	c.AddCheck("database", staticCheck{})
	c.AddCheck("redis", staticCheck{err: errors.New("connection refused")})

	results := c.Check(context.Background())
	assert.Equal(t, "OK", results["database"])
	assert.Equal(t, "connection refused", results["redis"])
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	checker := NewRedisChecker(client)
	assert.NoError(t, checker.HealthCheck(context.Background()))

	mr.Close()
	assert.Error(t, checker.HealthCheck(context.Background()))
}

func TestListenerChecker(t *testing.T) {
	testCases := []struct {
		name     string
		sessions staticSessions
		wantErr  bool
	}{
		{"no sessions", staticSessions{}, false},
		{"all connected", staticSessions{total: 3, connected: 3}, false},
		{"some connected", staticSessions{total: 3, connected: 1}, false},
		{"none connected", staticSessions{total: 3, connected: 0}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			checker := NewListenerChecker(tc.sessions)
			err := checker.HealthCheck(context.Background())
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
