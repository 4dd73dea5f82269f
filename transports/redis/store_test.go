package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *QueueStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewQueueStore(client)
}

func mustKeys(t *testing.T, topic string) contracts.TopicKeys {
	t.Helper()
	keys, err := contracts.KeysFor(topic)
	require.NoError(t, err)
	return keys
}

func TestQueueStore_AppendPop(t *testing.T) {
	ctx := context.Background()

	t.Run("is FIFO on a Redis list", func(t *testing.T) {
		mr, s := newTestStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, "invoice-generation", []byte(fmt.Sprintf("m%d", i))))
		}

		// LPUSH appends on the left; the head is the rightmost element.
		items, err := mr.List("invoice-generation")
		require.NoError(t, err)
		assert.Equal(t, []string{"m2", "m1", "m0"}, items)

		for i := 0; i < 3; i++ {
			data, err := s.Pop(ctx, "invoice-generation", 0)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("m%d", i), string(data))
		}
	})

	t.Run("restore puts an entry back at the head", func(t *testing.T) {
		mr, s := newTestStore(t)
		require.NoError(t, s.Append(ctx, "dlq:invoice-generation", []byte("m0")))
		require.NoError(t, s.Append(ctx, "dlq:invoice-generation", []byte("m1")))

		data, err := s.Pop(ctx, "dlq:invoice-generation", 0)
		require.NoError(t, err)
		require.Equal(t, "m0", string(data))
		require.NoError(t, s.Restore(ctx, "dlq:invoice-generation", data))

		items, err := mr.List("dlq:invoice-generation")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m0"}, items)

		data, err = s.Pop(ctx, "dlq:invoice-generation", 0)
		require.NoError(t, err)
		assert.Equal(t, "m0", string(data))
	})

	t.Run("empty list reports no message", func(t *testing.T) {
		_, s := newTestStore(t)

		_, err := s.Pop(ctx, "invoice-generation", 0)
		assert.ErrorIs(t, err, messaging.ErrNoMessage)

		_, err = s.Pop(ctx, "invoice-generation", time.Second)
		assert.ErrorIs(t, err, messaging.ErrNoMessage)
	})

	t.Run("blocking pop receives a later append", func(t *testing.T) {
		_, s := newTestStore(t)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = s.Append(ctx, "invoice-generation", []byte("late"))
		}()

		data, err := s.Pop(ctx, "invoice-generation", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "late", string(data))
	})

	t.Run("reads envelopes written by the billing services", func(t *testing.T) {
		mr, s := newTestStore(t)
		_, err := mr.Lpush("invoice-generation",
			`{"id":"7c1e","timestamp":"2024-03-01T10:00:00.000Z","data":{"customerId":"cus_1"},"options":{},"retryCount":0}`)
		require.NoError(t, err)

		data, err := s.Pop(ctx, "invoice-generation", 0)
		require.NoError(t, err)

		env, err := contracts.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "7c1e", env.ID)
		assert.JSONEq(t, `{"customerId":"cus_1"}`, string(env.Payload))
	})

	t.Run("unreachable server is a connection error", func(t *testing.T) {
		mr, s := newTestStore(t)
		mr.Close()

		err := s.Append(ctx, "invoice-generation", []byte("x"))
		assert.True(t, contracts.IsConnectionError(err))
	})
}

func TestQueueStore_ScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, "invoice-generation")
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("scores members by due time in milliseconds", func(t *testing.T) {
		mr, s := newTestStore(t)
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("a"), now.Add(1500*time.Millisecond)))

		score, err := mr.ZScore("delayed:invoice-generation", "a")
		require.NoError(t, err)
		assert.Equal(t, float64(now.UnixMilli()+1500), score)
	})

	t.Run("promotes due members in due order", func(t *testing.T) {
		_, s := newTestStore(t)
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("second"), now.Add(-time.Second)))
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("first"), now.Add(-2*time.Second)))
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("future"), now.Add(time.Minute)))

		n, err := s.PromoteDue(ctx, keys.Delayed, keys.Ready, now, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		first, err := s.Pop(ctx, keys.Ready, 0)
		require.NoError(t, err)
		second, err := s.Pop(ctx, keys.Ready, 0)
		require.NoError(t, err)
		assert.Equal(t, "first", string(first))
		assert.Equal(t, "second", string(second))

		lengths, err := s.Lengths(ctx, keys)
		require.NoError(t, err)
		assert.Equal(t, messaging.QueueLengths{Delayed: 1}, lengths)
	})

	t.Run("honours the batch limit", func(t *testing.T) {
		_, s := newTestStore(t)
		for i := 0; i < 15; i++ {
			require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte(fmt.Sprintf("%02d", i)), now))
		}

		n, err := s.PromoteDue(ctx, keys.Delayed, keys.Ready, now, 10)
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		n, err = s.PromoteDue(ctx, keys.Delayed, keys.Ready, now, 10)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("concurrent promoters never duplicate", func(t *testing.T) {
		_, s := newTestStore(t)
		const total = 60
		for i := 0; i < total; i++ {
			require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte(fmt.Sprintf("%02d", i)), now))
		}

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					n, err := s.PromoteDue(ctx, keys.Delayed, keys.Ready, now, 7)
					if err != nil || n == 0 {
						return
					}
				}
			}()
		}
		wg.Wait()

		lengths, err := s.Lengths(ctx, keys)
		require.NoError(t, err)
		assert.Equal(t, int64(total), lengths.Ready)
		assert.Equal(t, int64(0), lengths.Delayed)
	})
}

func TestQueueStore_Lengths(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, "webhooks")
	mr, s := newTestStore(t)

	_, err := mr.Lpush("webhooks", "a")
	require.NoError(t, err)
	_, err = mr.Lpush("webhooks", "b")
	require.NoError(t, err)
	_, err = mr.ZAdd("delayed:webhooks", 1, "c")
	require.NoError(t, err)
	_, err = mr.Lpush("dlq:webhooks", "d")
	require.NoError(t, err)

	lengths, err := s.Lengths(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, messaging.QueueLengths{Ready: 2, Delayed: 1, DeadLetter: 1}, lengths)
}
