// Package retry implements exponential backoff with jitter for remote calls
// and for restarting scroll sequences.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "istex_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"operation"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "istex_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "istex_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"operation"})
)

var (
	// ErrExhausted is returned when all retry attempts are exhausted.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is returned when the context is cancelled while waiting.
	ErrCancelled = errors.New("context cancelled")
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	// Zero or negative means unlimited.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the delay after every attempt.
	Multiplier float64

	// Jitter is the relative randomisation applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultPolicy returns the policy used for single HTTP requests.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// RestartPolicy returns the unlimited policy used to restart scroll sequences.
func RestartPolicy() Policy {
	return Policy{
		MaxAttempts:    0,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// normalize fills zero values with usable defaults.
func (p Policy) normalize() Policy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Unlimited reports whether the policy never gives up.
func (p Policy) Unlimited() bool {
	return p.MaxAttempts <= 0
}

// Backoff returns the jittered delay to wait after the given failed attempt
// (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.Multiplier
		if backoff >= float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}

	if p.Jitter > 0 {
		backoff *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Wait records the retry metrics for operation and sleeps for the backoff of
// the given attempt.
func (p Policy) Wait(ctx context.Context, operation string, attempt int) error {
	delay := p.Backoff(attempt)
	retriesTotal.WithLabelValues(operation).Inc()
	retryBackoffSeconds.WithLabelValues(operation).Observe(delay.Seconds())

	log.Debug().
		Str("operation", operation).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying after backoff")

	return Sleep(ctx, delay)
}

// Do executes fn until it succeeds, the policy is exhausted, retryable
// reports false for the returned error, or ctx is done.
func Do(ctx context.Context, p Policy, operation string, retryable func(error) bool, fn func() error) error {
	var lastErr error

	for attempt := 1; p.Unlimited() || attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("operation", operation).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if !p.Unlimited() && attempt >= p.MaxAttempts {
			break
		}

		if err := p.Wait(ctx, operation, attempt); err != nil {
			log.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	retryExhaustedTotal.WithLabelValues(operation).Inc()
	log.Warn().
		Str("operation", operation).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
