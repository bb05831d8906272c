package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"concierge/internal/config"
)

// FatalError marks an error that must not be retried. *errors.Error from pkg/errors
// satisfies it once AsFatal was called.
type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) IsFatal() bool {
	return true
}

func (e *fatalError) Unwrap() error {
	return e.err
}

func NewFatalError(err error) FatalError {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, is marked fatal.
func IsFatal(err error) bool {
	var fatal FatalError
	return errors.As(err, &fatal) && fatal.IsFatal()
}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// Merge overlays the positive fields of cfg onto p.
func (p Policy) Merge(cfg config.RetryConfig) Policy {
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return p
}

// Delay is the wait after the given attempt, ignoring jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback calls fn until it succeeds, returns a fatal error, or the policy gives up.
// onRetry runs before each wait.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		if IsFatal(err) {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, policy.Delay(attempt))
		}
		return err
	}

	err := backoff.Retry(operation, policy.backOff(ctx))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
