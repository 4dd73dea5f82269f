package messaging

import (
	"time"

	"github.com/billingkit/eventq/internal/reliability"
)

// RetryPolicy decides whether a failed envelope is retried and after how long
type RetryPolicy = reliability.RetryPolicy

// ExponentialRetry retries up to maxRetries times after base * 2^retryCount
func ExponentialRetry(base time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(base, maxRetries)
}

// FixedRetry retries up to maxRetries times after a constant delay
func FixedRetry(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// Permanent marks a handler error as not retryable; the envelope is
// dead-lettered on its first failure
func Permanent(err error) error {
	return reliability.Permanent(err)
}
