package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"concierge/internal/config"
	"concierge/pkg/metrics"
	"concierge/pkg/retry"
)

const (
	defaultMaxRequests  = 3
	defaultInterval     = time.Minute
	defaultTimeout      = time.Minute
	defaultMinRequests  = 3
	defaultFailureRatio = 0.5
)

var stateGauge = map[gobreaker.State]float64{
	gobreaker.StateClosed:   0,
	gobreaker.StateHalfOpen: 1,
	gobreaker.StateOpen:     2,
}

// Breaker guards calls to one collaborator or channel.
// A nil *Breaker passes calls straight through.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New returns nil when breakers are disabled. Zero fields in cfg take the package defaults.
func New(name string, cfg config.CircuitBreakerConfig) *Breaker {
	if !cfg.Enabled {
		return nil
	}

	minRequests, ratio := uint32(defaultMinRequests), defaultFailureRatio
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		minRequests, ratio = cfg.MinRequests, cfg.FailureRatio
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: orDefault(cfg.MaxRequests, defaultMaxRequests),
		Interval:    orDefault(cfg.Interval, defaultInterval),
		Timeout:     orDefault(cfg.Timeout, defaultTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge[to])
		},
	}

	b := &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge[b.cb.State()])
	return b
}

// countsAsSuccess keeps caller-side failures from tripping the breaker: a rejected
// request or a cancelled context says nothing about the collaborator's health.
func countsAsSuccess(err error) bool {
	return err == nil ||
		retry.IsFatal(err) ||
		errors.Is(err, context.Canceled)
}

func orDefault[T uint32 | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Do runs fn through b and records the outcome.
func Do[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	state := b.cb.State().String()
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})

	metrics.CircuitBreakerRequests.WithLabelValues(b.Name(), state).Inc()
	if err != nil {
		if !countsAsSuccess(err) {
			metrics.CircuitBreakerFailures.WithLabelValues(b.Name()).Inc()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("circuit breaker is open for %s: %w", b.Name(), err)
		}
		return zero, err
	}

	typed, _ := result.(T)
	return typed, nil
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Name() string {
	return b.cb.Name()
}
