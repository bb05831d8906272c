package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/config"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), func() error {
		calls++
		return errors.New("still down")
	})

	require.EqualError(t, err, "still down")
	assert.Equal(t, 2, calls)
}

func TestRetry_FatalStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("bad payload")
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewFatalError(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, cause)
}

func TestRetryWithCallback_ReportsAttempts(t *testing.T) {
	var attempts []int
	_ = RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		return errors.New("nope")
	}, func(attempt int, err error, nextDelay time.Duration) {
		attempts = append(attempts, attempt)
		assert.Positive(t, nextDelay)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}, func() error {
		return errors.New("down")
	})
	require.Error(t, err)
}

func TestPolicy_MergeAndDelay(t *testing.T) {
	p := DefaultPolicy().Merge(config.RetryConfig{MaxAttempts: 7, MaxInterval: 4 * time.Second})

	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(5))
}

func TestNewFatalError_Nil(t *testing.T) {
	assert.Nil(t, NewFatalError(nil))
	assert.False(t, IsFatal(errors.New("plain")))
}
