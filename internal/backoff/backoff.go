// Package backoff provides a bounded retry primitive with exponential delay
// for operations that poll the container engine for an eventual state.
package backoff

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultAttempts is the attempt budget of the default policy (300 * 100ms = 30s).
	DefaultAttempts = 300
	// DefaultWait is both the initial and maximum wait of the default policy.
	DefaultWait = 100 * time.Millisecond
)

// TimeoutError is returned when a policy runs out of attempts.
type TimeoutError struct {
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backoff timeout after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Policy is a retry budget with an exponentially growing wait capped at MaxWait.
// A Policy is reset at the start of every retry, so one value may serve several
// independent polling operations, but not concurrently.
type Policy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration

	attempts int
	wait     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a policy allowing maxAttempts attempts.
func New(maxAttempts int, initialWait, maxWait time.Duration) *Policy {
	if maxWait < initialWait {
		maxWait = initialWait
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		InitialWait: initialWait,
		MaxWait:     maxWait,
		wait:        initialWait,
		sleep:       sleepContext,
	}
}

// Default polls every 100ms for up to 30s.
func Default() *Policy {
	return New(DefaultAttempts, DefaultWait, DefaultWait)
}

// Constant polls at a flat 100ms interval for a total of roughly total.
func Constant(total time.Duration) *Policy {
	return New(int(total.Milliseconds()/100), DefaultWait, DefaultWait)
}

// Reset restores the attempt counter and the wait duration.
func (p *Policy) Reset() {
	p.attempts = 0
	p.wait = p.InitialWait
}

// Attempts returns the number of failed attempts of the last retry.
func (p *Policy) Attempts() int {
	return p.attempts
}

// Do retries op until it succeeds or the policy is exhausted.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry invokes op until it returns a nil error. After every failure it sleeps
// for the current wait, doubles the wait up to MaxWait and counts the attempt.
// Once MaxAttempts failures have been counted it returns a *TimeoutError
// wrapping the last failure.
func Retry[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p.Reset()
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}

		if serr := sleep(ctx, p.wait); serr != nil {
			var zero T
			return zero, fmt.Errorf("retry aborted after %d attempts: %w (last error: %v)", p.attempts+1, serr, err)
		}
		p.wait = min(p.MaxWait, p.wait*2)
		p.attempts++

		if p.attempts >= p.MaxAttempts {
			var zero T
			return zero, &TimeoutError{Attempts: p.attempts, Err: err}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
