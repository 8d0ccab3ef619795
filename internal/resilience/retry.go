package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy controls retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. Default: 2s.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Default: 10m.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%).
	JitterFraction float64

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each wait with the failed attempt number
	// (1-based), its error and the delay about to be slept.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep performs the wait. If nil, a timer honoring ctx is used.
	Sleep SleepFunc
}

// DefaultPolicy returns the completion retry policy: 3 attempts, 2s base
// delay doubling per attempt, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Minute,
		Multiplier:  2.0,
	}
}

// FromSeconds builds a Policy from config-style values.
func FromSeconds(maxAttempts int, baseDelaySecs, maxDelaySecs float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelaySecs > 0 {
		p.BaseDelay = seconds(baseDelaySecs)
	}
	if maxDelaySecs > 0 {
		p.MaxDelay = seconds(maxDelaySecs)
	}
	return p
}

// NextDelay returns the wait after the given 0-indexed failed attempt:
// BaseDelay * Multiplier^attempt, capped at MaxDelay, plus jitter.
func NextDelay(attempt int, p Policy) time.Duration {
	p = applyDefaults(p)
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply jitter: ±JitterFraction of delay.
	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Run executes fn until it succeeds, returns a non-retryable error or the
// attempts run out. fn receives the 0-indexed attempt number. There is no
// wait after the final attempt. Run returns the number of attempts made and
// the last error.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	_, n, err := RunVal(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return n, err
}

// RunVal is like Run but preserves the value of the successful call.
func RunVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p = applyDefaults(p)

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var zero T
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		attempts++
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil || !shouldRetry(lastErr) {
			return zero, attempts, lastErr
		}

		// Don't sleep after the last attempt.
		if attempt >= p.MaxAttempts-1 {
			break
		}

		delay := NextDelay(attempt, p)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, attempts, lastErr
		}
	}

	return zero, attempts, lastErr
}

func applyDefaults(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// EscalateTimeout grows a per-request timeout by half, capped at max.
func EscalateTimeout(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if max > 0 && next > max {
		return max
	}
	return next
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
