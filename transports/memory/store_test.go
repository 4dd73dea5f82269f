package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeys(t *testing.T, topic string) contracts.TopicKeys {
	t.Helper()
	keys, err := contracts.KeysFor(topic)
	require.NoError(t, err)
	return keys
}

func TestStore_AppendPop(t *testing.T) {
	ctx := context.Background()

	t.Run("pops in FIFO order", func(t *testing.T) {
		s := NewStore()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, "invoices", []byte(fmt.Sprintf("m%d", i))))
		}

		for i := 0; i < 3; i++ {
			data, err := s.Pop(ctx, "invoices", 0)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("m%d", i), string(data))
		}
	})

	t.Run("restore puts an entry back at the head", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Append(ctx, "dlq:invoices", []byte("m0")))
		require.NoError(t, s.Append(ctx, "dlq:invoices", []byte("m1")))

		data, err := s.Pop(ctx, "dlq:invoices", 0)
		require.NoError(t, err)
		require.NoError(t, s.Restore(ctx, "dlq:invoices", data))

		assert.Equal(t, [][]byte{[]byte("m0"), []byte("m1")}, s.Items("dlq:invoices"))
	})

	t.Run("non-blocking pop on empty list", func(t *testing.T) {
		s := NewStore()
		_, err := s.Pop(ctx, "invoices", 0)
		assert.ErrorIs(t, err, messaging.ErrNoMessage)
	})

	t.Run("blocking pop times out", func(t *testing.T) {
		s := NewStore()
		start := time.Now()
		_, err := s.Pop(ctx, "invoices", 20*time.Millisecond)
		assert.ErrorIs(t, err, messaging.ErrNoMessage)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("blocking pop wakes on append", func(t *testing.T) {
		s := NewStore()
		got := make(chan []byte, 1)
		go func() {
			data, err := s.Pop(ctx, "invoices", 5*time.Second)
			if err == nil {
				got <- data
			}
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.Append(ctx, "invoices", []byte("late")))

		select {
		case data := <-got:
			assert.Equal(t, "late", string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("pop did not wake up")
		}
	})

	t.Run("blocking pop honours context", func(t *testing.T) {
		s := NewStore()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		_, err := s.Pop(cctx, "invoices", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("each entry is popped exactly once", func(t *testing.T) {
		s := NewStore()
		const total = 200
		for i := 0; i < total; i++ {
			require.NoError(t, s.Append(ctx, "invoices", []byte(fmt.Sprintf("%d", i))))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					data, err := s.Pop(ctx, "invoices", 0)
					if err != nil {
						return
					}
					mu.Lock()
					seen[string(data)]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for _, n := range seen {
			assert.Equal(t, 1, n)
		}
	})
}

func TestStore_ScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, "invoices")
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("promotes only due members in due order", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("later"), now.Add(2*time.Second)))
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("sooner"), now.Add(time.Second)))
		require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte("future"), now.Add(time.Hour)))

		n, err := s.PromoteDue(ctx, keys.Delayed, keys.Ready, now.Add(2*time.Second), 10)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		items := s.Items(keys.Ready)
		require.Len(t, items, 2)
		assert.Equal(t, "sooner", string(items[0]))
		assert.Equal(t, "later", string(items[1]))

		scheduled := s.Scheduled(keys.Delayed)
		require.Len(t, scheduled, 1)
		assert.Equal(t, "future", string(scheduled[0].Data))
	})

	t.Run("respects the batch limit", func(t *testing.T) {
		s := NewStore()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte{byte(i)}, now))
		}

		n, err := s.PromoteDue(ctx, keys.Delayed, keys.Ready, now, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		lengths, err := s.Lengths(ctx, keys)
		require.NoError(t, err)
		assert.Equal(t, messaging.QueueLengths{Ready: 3, Delayed: 2}, lengths)
	})

	t.Run("concurrent promoters never duplicate", func(t *testing.T) {
		s := NewStore()
		const total = 100
		for i := 0; i < total; i++ {
			require.NoError(t, s.Schedule(ctx, keys.Delayed, []byte(fmt.Sprintf("%d", i)), now))
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

		assert.Len(t, s.Items(keys.Ready), total)
		assert.Empty(t, s.Scheduled(keys.Delayed))
	})
}

func TestStore_Availability(t *testing.T) {
	ctx := context.Background()

	t.Run("operations fail while unavailable", func(t *testing.T) {
		s := NewStore()
		s.SetAvailable(false)

		assert.False(t, s.IsConnected())
		err := s.Append(ctx, "invoices", []byte("x"))
		assert.True(t, contracts.IsConnectionError(err))
		assert.ErrorIs(t, err, contracts.ErrNotConnected)

		s.SetAvailable(true)
		assert.NoError(t, s.Append(ctx, "invoices", []byte("x")))
	})

	t.Run("notifies listeners on transitions only", func(t *testing.T) {
		s := NewStore()
		listener := messaging.NewChannelListener(10)
		s.AddStateListener(listener)

		s.SetAvailable(false)
		s.SetAvailable(false)
		s.SetAvailable(true)

		evt := <-listener.Events()
		assert.Equal(t, messaging.StateDisconnected, evt.State)
		assert.True(t, contracts.IsConnectionError(evt.Err))

		evt = <-listener.Events()
		assert.Equal(t, messaging.StateConnected, evt.State)

		assert.Empty(t, listener.Events())
	})

	t.Run("close fails later operations and releases waiters", func(t *testing.T) {
		s := NewStore()
		errs := make(chan error, 1)
		go func() {
			_, err := s.Pop(ctx, "invoices", time.Minute)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.Close())

		select {
		case err := <-errs:
			assert.True(t, contracts.IsShutdown(err))
		case <-time.After(2 * time.Second):
			t.Fatal("pop not released by close")
		}

		assert.True(t, contracts.IsShutdown(s.Append(ctx, "invoices", []byte("x"))))
		assert.False(t, s.IsConnected())
		assert.True(t, contracts.IsShutdown(s.Connect(ctx)))
	})
}

func TestStore_Broadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to matching patterns only", func(t *testing.T) {
		s := NewStore()
		invoices, err := s.PSubscribe(ctx, "invoice.*")
		require.NoError(t, err)
		defer invoices.Close()
		customers, err := s.PSubscribe(ctx, "customer.*")
		require.NoError(t, err)
		defer customers.Close()

		require.NoError(t, s.Publish(ctx, "invoice.generated", []byte(`{"id":1}`)))

		select {
		case d := <-invoices.Messages():
			assert.Equal(t, "invoice.generated", d.Channel)
			assert.Equal(t, "invoice.*", d.Pattern)
			assert.JSONEq(t, `{"id":1}`, string(d.Data))
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
		assert.Empty(t, customers.Messages())
	})

	t.Run("publishing without subscribers is a no-op", func(t *testing.T) {
		s := NewStore()
		assert.NoError(t, s.Publish(ctx, "invoice.generated", []byte(`{}`)))
	})

	t.Run("rejects malformed patterns", func(t *testing.T) {
		s := NewStore()
		_, err := s.PSubscribe(ctx, "invoice.[")
		assert.Error(t, err)
	})

	t.Run("close ends streams", func(t *testing.T) {
		s := NewStore()
		st, err := s.PSubscribe(ctx, "*")
		require.NoError(t, err)

		require.NoError(t, s.Close())
		_, open := <-st.Messages()
		assert.False(t, open)
		assert.NoError(t, st.Close())
	})
}
