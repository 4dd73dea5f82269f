package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
	"github.com/billingkit/eventq/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoiceRequest struct {
	CustomerID string `json:"customerId"`
	Amount     int    `json:"amount"`
}

func mustKeys(t *testing.T, topic string) contracts.TopicKeys {
	t.Helper()
	keys, err := contracts.KeysFor(topic)
	require.NoError(t, err)
	return keys
}

func decodeAll(t *testing.T, items [][]byte) []*contracts.Envelope {
	t.Helper()
	out := make([]*contracts.Envelope, 0, len(items))
	for _, item := range items {
		env, err := contracts.Decode(item)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestMessagePublisher_Publish(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, contracts.QueueInvoiceGeneration)

	t.Run("appends to the ready list", func(t *testing.T) {
		store := memory.NewStore()
		mock := clock.NewMock()
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherClock(mock))

		id, err := publisher.Publish(ctx, keys.Topic, invoiceRequest{CustomerID: "cus_1", Amount: 4200})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		envs := decodeAll(t, store.Items(keys.Ready))
		require.Len(t, envs, 1)
		assert.Equal(t, id, envs[0].ID)
		assert.Equal(t, 0, envs[0].RetryCount)
		assert.True(t, envs[0].CreatedAt.Equal(mock.Now()))

		var req invoiceRequest
		require.NoError(t, envs[0].Decode(&req))
		assert.Equal(t, invoiceRequest{CustomerID: "cus_1", Amount: 4200}, req)
	})

	t.Run("assigns distinct ids", func(t *testing.T) {
		publisher := messaging.NewMessagePublisher(memory.NewStore())

		a, err := publisher.Publish(ctx, keys.Topic, map[string]int{"n": 1})
		require.NoError(t, err)
		b, err := publisher.Publish(ctx, keys.Topic, map[string]int{"n": 1})
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("delayed publish goes to the delayed set", func(t *testing.T) {
		store := memory.NewStore()
		mock := clock.NewMock()
		mock.Set(time.UnixMilli(1_700_000_000_000))
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherClock(mock))

		_, err := publisher.Publish(ctx, keys.Topic, map[string]string{"a": "b"}, messaging.WithDelay(30*time.Second))
		require.NoError(t, err)

		assert.Empty(t, store.Items(keys.Ready))
		scheduled := store.Scheduled(keys.Delayed)
		require.Len(t, scheduled, 1)
		assert.True(t, scheduled[0].Due.Equal(mock.Now().Add(30*time.Second)))

		env, err := contracts.Decode(scheduled[0].Data)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, env.Options.Delay)
	})

	t.Run("non-positive delay publishes immediately", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)

		_, err := publisher.Publish(ctx, keys.Topic, map[string]string{}, messaging.WithDelay(-time.Second))
		require.NoError(t, err)
		_, err = publisher.Publish(ctx, keys.Topic, map[string]string{}, messaging.WithDelay(0))
		require.NoError(t, err)

		assert.Len(t, store.Items(keys.Ready), 2)
		assert.Empty(t, store.Scheduled(keys.Delayed))
	})

	t.Run("raw JSON passes through", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)

		_, err := publisher.Publish(ctx, keys.Topic, json.RawMessage(`{"invoiceId":"inv_9"}`))
		require.NoError(t, err)

		envs := decodeAll(t, store.Items(keys.Ready))
		require.Len(t, envs, 1)
		assert.JSONEq(t, `{"invoiceId":"inv_9"}`, string(envs[0].Payload))
	})

	t.Run("unencodable payload is a serialization error", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)

		_, err := publisher.Publish(ctx, keys.Topic, map[string]any{"callback": func() {}})
		assert.True(t, contracts.IsSerializationError(err))

		_, err = publisher.Publish(ctx, keys.Topic, json.RawMessage(`{broken`))
		assert.True(t, contracts.IsSerializationError(err))

		assert.Empty(t, store.Items(keys.Ready))
	})

	t.Run("rejects empty topic", func(t *testing.T) {
		publisher := messaging.NewMessagePublisher(memory.NewStore())
		_, err := publisher.Publish(ctx, "", map[string]string{})
		assert.ErrorIs(t, err, contracts.ErrInvalidTopic)
	})

	t.Run("fails with a connection error while the store is down", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)
		store.SetAvailable(false)

		id, err := publisher.Publish(ctx, keys.Topic, map[string]string{})
		assert.Empty(t, id)
		assert.True(t, contracts.IsConnectionError(err))
		assert.True(t, contracts.IsRetryable(err))

		store.SetAvailable(true)
		assert.Empty(t, store.Items(keys.Ready))
	})

	t.Run("fails with a shutdown error after close", func(t *testing.T) {
		publisher := messaging.NewMessagePublisher(memory.NewStore())
		require.NoError(t, publisher.Close())

		_, err := publisher.Publish(ctx, keys.Topic, map[string]string{})
		assert.True(t, contracts.IsShutdown(err))
	})

	t.Run("starts promotion for delayed topics", func(t *testing.T) {
		store := memory.NewStore()
		promoter := messaging.NewDelayPromoter(store, messaging.WithPromoterClock(clock.NewMock()))
		defer promoter.Stop()
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherPromoter(promoter))

		_, err := publisher.Publish(ctx, keys.Topic, map[string]string{}, messaging.WithDelay(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{keys.Topic}, promoter.Topics())
	})
}

func TestMessagePublisher_Schedule(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, contracts.QueueNotifications)

	t.Run("future time is delayed by the difference", func(t *testing.T) {
		store := memory.NewStore()
		mock := clock.NewMock()
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherClock(mock))

		_, err := publisher.Schedule(ctx, keys.Topic, map[string]string{}, mock.Now().Add(time.Hour))
		require.NoError(t, err)

		scheduled := store.Scheduled(keys.Delayed)
		require.Len(t, scheduled, 1)
		assert.True(t, scheduled[0].Due.Equal(mock.Now().Add(time.Hour)))
	})

	t.Run("past time publishes immediately", func(t *testing.T) {
		store := memory.NewStore()
		mock := clock.NewMock()
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherClock(mock))

		_, err := publisher.Schedule(ctx, keys.Topic, map[string]string{}, mock.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Len(t, store.Items(keys.Ready), 1)
	})
}

func TestMessagePublisher_PublishEvent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	publisher := messaging.NewMessagePublisher(store)

	_, err := publisher.PublishEvent(ctx, contracts.QueueBillingEvents, contracts.BillingEvent{
		Type:       contracts.SubscriptionUpgraded,
		CustomerID: "cus_1",
		EntityID:   "sub_7",
		Data:       map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)

	envs := decodeAll(t, store.Items(contracts.QueueBillingEvents))
	require.Len(t, envs, 1)
	var event contracts.BillingEvent
	require.NoError(t, envs[0].Decode(&event))
	assert.Equal(t, contracts.SubscriptionUpgraded, event.Type)

	_, err = publisher.PublishEvent(ctx, contracts.QueueBillingEvents, contracts.BillingEvent{})
	assert.True(t, contracts.IsSerializationError(err))
}

func TestMessagePublisher_RepublishAndRedrive(t *testing.T) {
	ctx := context.Background()
	keys := mustKeys(t, contracts.QueueWebhooks)

	t.Run("republish keeps the id and marks a retry", func(t *testing.T) {
		store := memory.NewStore()
		mock := clock.NewMock()
		publisher := messaging.NewMessagePublisher(store, messaging.WithPublisherClock(mock))

		env := contracts.NewEnvelope(json.RawMessage(`{}`), mock.Now())
		env.RetryCount = 1
		require.NoError(t, publisher.Republish(ctx, keys.Topic, env, 2*time.Second))

		scheduled := store.Scheduled(keys.Delayed)
		require.Len(t, scheduled, 1)
		assert.True(t, scheduled[0].Due.Equal(mock.Now().Add(2*time.Second)))

		retry, err := contracts.Decode(scheduled[0].Data)
		require.NoError(t, err)
		assert.Equal(t, env.ID, retry.ID)
		assert.Equal(t, 1, retry.RetryCount)
		assert.True(t, retry.Options.IsRetry)
		assert.Equal(t, env.ID, retry.Options.OriginalID)
	})

	t.Run("redrive publishes a new message", func(t *testing.T) {
		store := memory.NewStore()
		publisher := messaging.NewMessagePublisher(store)

		dead := contracts.NewEnvelope(json.RawMessage(`{"n":1}`), time.Now())
		dead.RetryCount = 4
		id, err := publisher.Redrive(ctx, keys.Topic, dead)
		require.NoError(t, err)
		assert.NotEqual(t, dead.ID, id)

		envs := decodeAll(t, store.Items(keys.Ready))
		require.Len(t, envs, 1)
		assert.Equal(t, id, envs[0].ID)
		assert.Equal(t, 0, envs[0].RetryCount)
		assert.Equal(t, dead.ID, envs[0].Options.OriginalID)
		assert.JSONEq(t, `{"n":1}`, string(envs[0].Payload))
	})
}
