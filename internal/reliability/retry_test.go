package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 3)

		assert.Equal(t, time.Second, eb.BaseUnit)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.False(t, eb.Jitter)
		assert.Equal(t, 3, eb.MaxRetries())
	})

	t.Run("falls back to the default base unit", func(t *testing.T) {
		eb := NewExponentialBackoff(0, 1)
		assert.Equal(t, DefaultBaseUnit, eb.BaseUnit)
	})

	t.Run("NextDelay doubles per retry", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 3)

		tests := []struct {
			retryCount int
			expected   time.Duration
		}{
			{1, 2 * time.Second},
			{2, 4 * time.Second},
			{3, 8 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("retry %d", tt.retryCount), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.retryCount))
			})
		}
	})

	t.Run("NextDelay respects max interval", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10)
		eb.MaxInterval = 5 * time.Second

		assert.Equal(t, 5*time.Second, eb.NextDelay(6))
	})

	t.Run("NextDelay saturates instead of overflowing", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 100)

		for _, retryCount := range []int{33, 34, 63, 100} {
			assert.Positive(t, eb.NextDelay(retryCount), "retry %d", retryCount)
		}
		assert.Equal(t, time.Duration(math.MaxInt64), eb.NextDelay(100))

		retry, delay := eb.ShouldRetry(34, errors.New("boom"))
		assert.True(t, retry)
		assert.Positive(t, delay)
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 5)
		eb.Jitter = true

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(1)
			assert.GreaterOrEqual(t, delay, 1700*time.Millisecond)
			assert.LessOrEqual(t, delay, 2300*time.Millisecond)
		}
	})

	t.Run("ShouldRetry allows retry counts up to max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 2)

		shouldRetry, delay := eb.ShouldRetry(1, errors.New("declined"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 2*time.Second, delay)

		shouldRetry, delay = eb.ShouldRetry(2, errors.New("declined"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 4*time.Second, delay)

		shouldRetry, delay = eb.ShouldRetry(3, errors.New("declined"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("respects permanent errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 3)

		shouldRetry, _ := eb.ShouldRetry(1, Permanent(errors.New("invalid invoice")))
		assert.False(t, shouldRetry)

		wrapped := fmt.Errorf("handler: %w", Permanent(errors.New("invalid invoice")))
		shouldRetry, _ = eb.ShouldRetry(1, wrapped)
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 3)

		for i := 0; i < 5; i++ {
			assert.Equal(t, time.Second, fd.NextDelay(i))
		}
	})

	t.Run("negative max attempts retries forever", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, -1)

		shouldRetry, delay := fd.ShouldRetry(1000, errors.New("connection refused"))
		assert.True(t, shouldRetry)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, 1)

		shouldRetry, _ := fd.ShouldRetry(1, errors.New("test"))
		assert.True(t, shouldRetry)

		shouldRetry, _ = fd.ShouldRetry(2, errors.New("test"))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("returns last error when policy gives up", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("still failing")
		})

		assert.EqualError(t, err, "still failing")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("bad request"))
		})

		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			return errors.New("unreachable")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
