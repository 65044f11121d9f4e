package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPrincipal(purchased, commission float64) *domain.Principal {
	return &domain.Principal{
		ID:                "principal-1",
		PurchasedBalance:  purchased,
		CommissionBalance: commission,
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		fetches.Add(1)
		<-release
		return testPrincipal(100, 5), nil
	}, Options{Timeout: 5 * time.Second, Log: testLogger()})

	firstDone := make(chan Outcome, 1)
	go func() {
		firstDone <- c.Refresh(context.Background(), "manual")
	}()

	// Wait until the first refresh holds the loading slot.
	require.Eventually(t, func() bool {
		return c.State() == StateLoading
	}, time.Second, time.Millisecond)

	second := c.Refresh(context.Background(), "push")
	assert.ErrorIs(t, second.Err, ErrRefreshInFlight)
	assert.Nil(t, second.Snapshot)

	close(release)
	first := <-firstDone
	require.NoError(t, first.Err)
	assert.Equal(t, 100.0, first.Snapshot.PurchasedBalance)

	assert.Equal(t, int64(1), fetches.Load())
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_DuplicateServesCachedSnapshot(t *testing.T) {
	release := make(chan struct{})
	calls := 0

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		calls++
		if calls == 1 {
			return testPrincipal(100, 5), nil
		}
		<-release
		return testPrincipal(200, 10), nil
	}, Options{Timeout: 5 * time.Second, Log: testLogger()})

	require.NoError(t, c.Refresh(context.Background(), "initial").Err)

	go c.Refresh(context.Background(), "manual")
	require.Eventually(t, func() bool {
		return c.State() == StateLoading
	}, time.Second, time.Millisecond)

	dropped := c.Refresh(context.Background(), "push")
	assert.ErrorIs(t, dropped.Err, ErrRefreshInFlight)
	assert.True(t, dropped.FromCache)
	if assert.NotNil(t, dropped.Snapshot) {
		assert.Equal(t, 100.0, dropped.Snapshot.PurchasedBalance)
		assert.Equal(t, 5.0, dropped.Snapshot.CommissionBalance)
	}

	close(release)
}

func TestCoordinator_TimeoutFallsBackToCache(t *testing.T) {
	block := make(chan struct{})
	calls := 0

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		calls++
		if calls == 1 {
			return testPrincipal(100, 5), nil
		}
		<-block
		return testPrincipal(999, 0), nil
	}, Options{Timeout: 30 * time.Millisecond, Log: testLogger()})
	t.Cleanup(func() { close(block) })

	require.NoError(t, c.Refresh(context.Background(), "initial").Err)

	outcome := c.Refresh(context.Background(), "manual")
	assert.True(t, outcome.FromCache)
	assert.Equal(t, apperrors.KindTimeout, apperrors.KindOf(outcome.Err))
	if assert.NotNil(t, outcome.Snapshot) {
		assert.Equal(t, 100.0, outcome.Snapshot.PurchasedBalance)
		assert.Equal(t, 5.0, outcome.Snapshot.CommissionBalance)
	}
}

func TestCoordinator_LateCompletionApplied(t *testing.T) {
	block := make(chan struct{})
	calls := 0

	var applied []*domain.Principal
	var mu sync.Mutex

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		calls++
		if calls == 1 {
			return testPrincipal(100, 5), nil
		}
		<-block
		return testPrincipal(250, 12), nil
	}, Options{
		Timeout: 30 * time.Millisecond,
		OnApply: func(p *domain.Principal) {
			mu.Lock()
			applied = append(applied, p)
			mu.Unlock()
		},
		Log: testLogger(),
	})

	require.NoError(t, c.Refresh(context.Background(), "initial").Err)

	// Times out, leaving the fetch running.
	outcome := c.Refresh(context.Background(), "manual")
	assert.True(t, outcome.FromCache)

	// The abandoned fetch finishes and, with no newer attempt started, its
	// result still lands.
	close(block)
	require.Eventually(t, func() bool {
		cached := c.Cached()
		return cached != nil && cached.PurchasedBalance == 250
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 2)
	assert.Equal(t, 250.0, applied[1].PurchasedBalance)
}

func TestCoordinator_FailureWithoutCache(t *testing.T) {
	fetchErr := apperrors.NewNetworkError(errors.New("connection refused"))

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		return nil, fetchErr
	}, Options{Timeout: time.Second, Log: testLogger()})

	outcome := c.Refresh(context.Background(), "initial")
	assert.Nil(t, outcome.Snapshot)
	assert.ErrorIs(t, outcome.Err, fetchErr)
}

func TestCoordinator_FallbackLoaderSeedsCache(t *testing.T) {
	persisted := testPrincipal(42, 1)

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		return nil, apperrors.NewServerError("snapshot fetch", errors.New("boom"))
	}, Options{
		Timeout: time.Second,
		Fallback: func(ctx context.Context) (*domain.Principal, error) {
			return persisted, nil
		},
		Log: testLogger(),
	})

	outcome := c.Refresh(context.Background(), "initial")
	assert.True(t, outcome.FromCache)
	assert.Error(t, outcome.Err)
	if assert.NotNil(t, outcome.Snapshot) {
		assert.Equal(t, 42.0, outcome.Snapshot.PurchasedBalance)
	}

	// Seeded into the in-memory cache for the next fallback.
	if assert.NotNil(t, c.Cached()) {
		assert.Equal(t, 42.0, c.Cached().PurchasedBalance)
	}
}

func TestCoordinator_ClosedRejectsRefreshAndLateResults(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	calls := 0

	c := NewCoordinator(func(ctx context.Context) (*domain.Principal, error) {
		calls++
		if calls == 1 {
			return testPrincipal(100, 5), nil
		}
		close(started)
		<-block
		return testPrincipal(777, 0), nil
	}, Options{Timeout: 30 * time.Millisecond, Log: testLogger()})

	require.NoError(t, c.Refresh(context.Background(), "initial").Err)

	c.Refresh(context.Background(), "manual")
	<-started
	c.Close()
	close(block)

	// The late result must not touch the cache of a closed coordinator.
	time.Sleep(50 * time.Millisecond)
	if cached := c.Cached(); cached != nil {
		assert.Equal(t, 100.0, cached.PurchasedBalance)
	}

	outcome := c.Refresh(context.Background(), "manual")
	assert.ErrorIs(t, outcome.Err, ErrClosed)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, IsTransitionAllowed(StateIdle, StateLoading))
	assert.True(t, IsTransitionAllowed(StateLoading, StateIdle))
	assert.False(t, IsTransitionAllowed(StateIdle, StateIdle))
	assert.False(t, IsTransitionAllowed(StateLoading, StateLoading))
}
