package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// DefaultBaseUnit is the backoff unit for handler retries
const DefaultBaseUnit = time.Second

// RetryPolicy decides whether a failed delivery is retried and after how long.
// retryCount is the envelope retry count after the failure was recorded.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(retryCount int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay before the given retry
	NextDelay(retryCount int) time.Duration
}

// ExponentialBackoff retries with delay(n) = BaseUnit * Multiplier^n
type ExponentialBackoff struct {
	BaseUnit    time.Duration
	MaxInterval time.Duration // 0 = uncapped
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
}

// NewExponentialBackoff creates the handler retry policy: 2^n * base, no jitter
func NewExponentialBackoff(base time.Duration, maxRetries int) *ExponentialBackoff {
	if base <= 0 {
		base = DefaultBaseUnit
	}
	return &ExponentialBackoff{
		BaseUnit:    base,
		Multiplier:  2.0,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(retryCount int, err error) (bool, time.Duration) {
	if retryCount > e.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, e.NextDelay(retryCount)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	delay := float64(e.BaseUnit) * math.Pow(e.Multiplier, float64(retryCount))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	// float64(math.MaxInt64) rounds up to 2^63, which does not fit a Duration
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// FixedDelay retries after a constant pause
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int // < 0 = unlimited
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(retryCount int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && retryCount > f.MaxAttempts {
		return false, 0
	}

	if !isRetryableError(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry executes fn until it succeeds, the policy gives up or ctx ends
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for retries := 1; ; retries++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(retries, err)
		if !shouldRetry {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to mark whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Permanent marks err as not retryable; handlers return it to dead-letter immediately
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
