package sink

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/rowpipe/pkg/config"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// RetryPolicyFrom builds a policy from the clickhouse.retry section.
func RetryPolicyFrom(c config.RetryConfig) *RetryPolicy {
	rp := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		rp.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		rp.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		rp.MaxDelay = c.MaxDelay
	}
	if c.Multiplier >= 1 {
		rp.Multiplier = c.Multiplier
	}
	return rp
}

// Execute runs fn until it succeeds, returns an error shouldRetry rejects,
// or the attempts run out. onRetry, if set, is called before each wait.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error, shouldRetry func(error) bool, onRetry func(attempt int, err error)) error {
	attempts := rp.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(rp.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "retry cancelled").WithDetail("last_error", lastErr.Error())
		case <-timer.C:
		}
	}

	if attempts == 1 {
		return lastErr
	}
	var e *errors.Error
	typ := errors.ErrorTypeInternal
	if errors.As(lastErr, &e) {
		typ = e.Type
	}
	return errors.Wrap(lastErr, typ, "all attempts failed").WithDetail("attempts", attempts)
}

// delay is the exponential backoff for attempt, capped at MaxDelay, with
// jitter.
func (rp *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))
	if rp.MaxDelay > 0 && d > float64(rp.MaxDelay) {
		d = float64(rp.MaxDelay)
	}
	if rp.RandomizeFactor > 0 {
		delta := d * rp.RandomizeFactor
		d = d - delta + rand.Float64()*2*delta //nolint:gosec // jitter only
	}
	return time.Duration(d)
}
