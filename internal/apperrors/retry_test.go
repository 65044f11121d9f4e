package apperrors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewNetworkError(errors.New("transient"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewValidationError("insufficient balance")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "insufficient balance", err.Error())
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewTimeoutError("snapshot refresh")
	})

	assert.Error(t, err)
	assert.Equal(t, MaxRetries+1, calls)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestWithRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreaker_TripsOnErrorRate(t *testing.T) {
	cb := NewCircuitBreaker()
	boom := NewServerError("poll", errors.New("down"))

	for i := 0; i < MinRequests; i++ {
		_ = cb.Call(func() error { return boom })
	}

	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_StaysClosedUnderThreshold(t *testing.T) {
	cb := NewCircuitBreaker()
	boom := errors.New("occasional")

	for i := 0; i < 20; i++ {
		_ = cb.Call(func() error {
			if i%5 == 0 {
				return boom
			}
			return nil
		})
	}

	assert.Equal(t, BreakerClosed, cb.State())
}
