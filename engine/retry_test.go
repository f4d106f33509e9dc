package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRetrier(attempts int) (*Retrier, *[]time.Duration) {
	var slept []time.Duration
	r := NewRetrier(RetryConfig{
		MaxAttempts:  attempts,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		JitterFactor: 0.2,
	},
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
		WithJitterSource(func() float64 { return 0.5 }),
	)
	return r, &slept
}

// =============================================================================
// RETRY LOOP
// =============================================================================

func TestRetrier_SucceedsAfterConflicts(t *testing.T) {
	// GIVEN: an operation that conflicts twice, then succeeds
	r, slept := newTestRetrier(5)
	calls := 0

	// WHEN
	got, err := Run(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Conflict(errors.New("40001"))
		}
		return 42, nil
	})

	// THEN: the third attempt's value is returned after two backoffs
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
	assert.Equal(t, RetryStats{Retried: 2}, r.Stats())
}

func TestRetrier_DomainErrorIsNotRetried(t *testing.T) {
	r, slept := newTestRetrier(5)
	calls := 0

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Errorf(KindInsufficientUnits, "no units")
	})

	assert.ErrorIs(t, err, ErrInsufficientUnits)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetrier_PlainErrorIsNotRetried(t *testing.T) {
	r, _ := newTestRetrier(5)
	calls := 0
	boom := errors.New("disk on fire")

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Exhausted(t *testing.T) {
	// GIVEN: an operation that always conflicts
	r, slept := newTestRetrier(3)
	calls := 0
	cause := errors.New("could not serialize access")

	// WHEN
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Conflict(cause)
	})

	// THEN: exactly MaxAttempts calls, MaxAttempts-1 sleeps, and the last
	// conflict is still reachable through the chain
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
	assert.Equal(t, KindRetriesExhausted, KindOf(err))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrTransientConflict)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransient(err))
	assert.Equal(t, RetryStats{Retried: 2, Exhausted: 1}, r.Stats())
}

func TestRetrier_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond},
		WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))
	calls := 0

	err := r.Do(ctx, func(context.Context) error {
		calls++
		return Conflict(nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// BACKOFF
// =============================================================================

func TestRetrier_BackoffIsCappedAndJittered(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, JitterFactor: 0.2}

	low := NewRetrier(cfg, WithJitterSource(func() float64 { return 0 }))
	high := NewRetrier(cfg, WithJitterSource(func() float64 { return 0.999999 }))
	mid := NewRetrier(cfg, WithJitterSource(func() float64 { return 0.5 }))

	assert.Equal(t, 10*time.Millisecond, mid.Backoff(0))
	assert.Equal(t, 40*time.Millisecond, mid.Backoff(2))
	assert.Equal(t, 100*time.Millisecond, mid.Backoff(8), "capped at MaxDelay")

	for attempt := 0; attempt < 10; attempt++ {
		base := mid.Backoff(attempt)
		assert.GreaterOrEqual(t, low.Backoff(attempt), time.Duration(float64(base)*0.8)-1)
		assert.LessOrEqual(t, high.Backoff(attempt), time.Duration(float64(base)*1.2)+1)
	}
}

func TestNewRetrier_Defaults(t *testing.T) {
	r := NewRetrier(RetryConfig{JitterFactor: 3})

	assert.Equal(t, DefaultRetryConfig().MaxAttempts, r.Config().MaxAttempts)
	assert.Equal(t, 1.0, r.Config().JitterFactor)
}

func TestNewRetrier_ZeroConfigUsesDefaults(t *testing.T) {
	// GIVEN: an empty config
	// WHEN
	r := NewRetrier(RetryConfig{})

	// THEN: every field is filled, so conflicts still back off
	assert.Equal(t, DefaultRetryConfig(), r.Config())
	assert.Positive(t, r.Backoff(0))
}

func TestNewRetrier_NegativeDisablesBackoff(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 2, BaseDelay: -1, JitterFactor: -1})

	assert.Equal(t, time.Duration(0), r.Config().BaseDelay)
	assert.Equal(t, 0.0, r.Config().JitterFactor)
	assert.Equal(t, DefaultRetryConfig().MaxDelay, r.Config().MaxDelay)
	assert.Equal(t, time.Duration(0), r.Backoff(3))
}
