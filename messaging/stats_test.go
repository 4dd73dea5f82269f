package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	"github.com/billingkit/eventq/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsReader_GetQueueStats(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, contracts.QueueInvoiceGeneration)

	t.Run("counts every container", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)

		for i := 0; i < 3; i++ {
			_, err := publisher.Publish(ctx, keys.Topic, map[string]int{"n": i})
			require.NoError(t, err)
		}
		for i := 0; i < 2; i++ {
			_, err := publisher.Publish(ctx, keys.Topic, map[string]int{"n": i}, messaging.WithDelay(time.Hour))
			require.NoError(t, err)
		}
		require.NoError(t, publisher.DeadLetter(ctx, keys.Topic, []byte(`{"id":"dead"}`)))

		stats, err := messaging.NewStatsReader(store).GetQueueStats(ctx, keys.Topic)
		require.NoError(t, err)
		assert.Equal(t, messaging.QueueStats{
			Topic:   keys.Topic,
			Pending: 3,
			Delayed: 2,
			Failed:  1,
			Total:   6,
		}, stats)
	})

	t.Run("unknown topics are empty", func(t *testing.T) {
		stats, err := messaging.NewStatsReader(memory.NewStore()).GetQueueStats(ctx, "never-used")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Total)
	})

	t.Run("reports store errors", func(t *testing.T) {
		store := memory.NewStore()
		store.SetAvailable(false)

		_, err := messaging.NewStatsReader(store).GetQueueStats(ctx, keys.Topic)
		assert.True(t, contracts.IsConnectionError(err))
	})
}
