// Package retry executes operations under an exponential backoff policy.
// Retryability is decided by error kind, so adapters classify failures at
// the protocol boundary and the executor stays generic.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/moorhq/moor/pkg/config"
	"github.com/moorhq/moor/pkg/errors"
)

// Policy is an immutable description of retry behavior. The zero value is
// not usable; start from Default, NoRetry or FromConfig.
type Policy struct {
	MaxAttempts   int
	BackoffFactor float64
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	// Jitter spreads each delay uniformly into [delay, 1.1*delay] before
	// the MaxDelay cap is applied, so the cap always holds.
	Jitter bool
	// RetryOn lists the error kinds worth another attempt. Empty means
	// the default transient set (connection, timeout, rate limit).
	// Unclassified errors never retry.
	RetryOn []errors.Kind

	// sleep is replaced in tests via WithSleep.
	sleep func(context.Context, time.Duration) error
}

// Default returns the standard connection policy: 3 attempts, factor 2.0,
// 1s initial delay, 60s cap, jitter on.
func Default() Policy {
	return Policy{
		MaxAttempts:   config.DefaultMaxAttempts,
		BackoffFactor: config.DefaultBackoffFactor,
		InitialDelay:  config.DefaultInitialDelay,
		MaxDelay:      config.DefaultMaxDelay,
		Jitter:        true,
	}
}

// NoRetry returns a policy that runs the operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1, BackoffFactor: 1.0}
}

// FromConfig builds a policy from the retry section of a connector config.
// kinds, when given, narrows which failures are retried.
func FromConfig(rc config.RetryConfig, kinds ...errors.Kind) Policy {
	return Policy{
		MaxAttempts:   rc.MaxAttempts,
		BackoffFactor: rc.BackoffFactor,
		InitialDelay:  rc.InitialDelay,
		MaxDelay:      rc.MaxDelay,
		Jitter:        rc.Jitter,
		RetryOn:       kinds,
	}
}

// WithRetryOn returns a copy retrying only the given kinds.
func (p Policy) WithRetryOn(kinds ...errors.Kind) Policy {
	p.RetryOn = kinds
	return p
}

// WithMaxAttempts returns a copy with a different attempt limit.
func (p Policy) WithMaxAttempts(attempts int) Policy {
	p.MaxAttempts = attempts
	return p
}

// WithSleep returns a copy using fn instead of the real timer. Tests inject
// a recorder here to verify delay sequences without waiting.
func (p Policy) WithSleep(fn func(context.Context, time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Validate rejects parameter combinations the executor cannot honor.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New(errors.KindConfiguration, "retry policy needs at least one attempt")
	}
	if p.BackoffFactor < 1.0 {
		return errors.New(errors.KindConfiguration, "backoff factor must be at least 1.0")
	}
	if p.InitialDelay < 0 {
		return errors.New(errors.KindConfiguration, "initial delay must not be negative")
	}
	if p.MaxDelay < p.InitialDelay {
		return errors.New(errors.KindConfiguration, "max delay must not be below initial delay")
	}
	return nil
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// exhausts MaxAttempts. Exhaustion returns a retry_exhausted error wrapping
// the last failure. The backoff sleep honors ctx cancellation; only the
// calling goroutine is ever suspended.
func (p Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteWithCondition(ctx, fn, p.retryable)
}

// ExecuteWithCondition is Execute with a caller-supplied retryability
// predicate replacing the kind-based classification.
func (p Policy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !shouldRetry(err) {
			return err
		}

		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		if err := p.wait(ctx, p.delay(attempt)); err != nil {
			return err
		}
	}

	return errors.Wrapf(lastErr, errors.KindRetryExhausted, "failed after %d attempts", p.MaxAttempts).
		WithDetail("attempts", p.MaxAttempts)
}

// retryable is the kind-based classification used by Execute.
func (p Policy) retryable(err error) bool {
	if len(p.RetryOn) == 0 {
		return errors.IsRetryable(err)
	}
	kind := errors.KindOf(err)
	for _, k := range p.RetryOn {
		if kind == k {
			return true
		}
	}
	return false
}

// delay computes the backoff before attempt+1: initial*factor^attempt,
// jittered, then capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))

	if p.Jitter {
		d += rand.Float64() * 0.1 * d
	}

	if max := float64(p.MaxDelay); d > max {
		d = max
	}

	return time.Duration(d)
}

// Delay exposes the computed backoff for an attempt index.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt)
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}

	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return errors.Wrap(ctx.Err(), errors.KindTimeout, "retry cancelled during backoff")
	case <-timer.C:
		return nil
	}
}
