package redis

import (
	"context"
	"log/slog"
	"sync"

	redisconn "github.com/billingkit/eventq/internal/redis"
	"github.com/billingkit/eventq/messaging"
	goredis "github.com/redis/go-redis/v9"
)

// BroadcastStore implements messaging.BroadcastStore with PUBLISH and PSUBSCRIBE
type BroadcastStore struct {
	publisher  *goredis.Client
	subscriber *goredis.Client
	logger     *slog.Logger
}

var _ messaging.BroadcastStore = (*BroadcastStore)(nil)

// NewBroadcastStore publishes through publisher and subscribes through subscriber
func NewBroadcastStore(publisher, subscriber *goredis.Client, logger *slog.Logger) *BroadcastStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastStore{publisher: publisher, subscriber: subscriber, logger: logger}
}

// Publish implements messaging.BroadcastStore
func (b *BroadcastStore) Publish(ctx context.Context, channel string, data []byte) error {
	err := b.publisher.Publish(ctx, channel, data).Err()
	return redisconn.WrapError(ctx, "broadcast", b.publisher.Options().Addr, err)
}

// PSubscribe implements messaging.BroadcastStore. It returns once the server
// has confirmed the subscription.
func (b *BroadcastStore) PSubscribe(ctx context.Context, pattern string) (messaging.BroadcastStream, error) {
	pubsub := b.subscriber.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, redisconn.WrapError(ctx, "subscribe", b.subscriber.Options().Addr, err)
	}

	st := &stream{
		pubsub:   pubsub,
		messages: make(chan messaging.BroadcastDelivery),
		done:     make(chan struct{}),
	}
	go st.forward(pubsub.Channel())
	return st, nil
}

type stream struct {
	pubsub   *goredis.PubSub
	messages chan messaging.BroadcastDelivery
	done     chan struct{}
	once     sync.Once
}

func (st *stream) forward(in <-chan *goredis.Message) {
	defer close(st.messages)

	for {
		select {
		case <-st.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			delivery := messaging.BroadcastDelivery{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Data:    []byte(msg.Payload),
			}
			select {
			case st.messages <- delivery:
			case <-st.done:
				return
			}
		}
	}
}

func (st *stream) Messages() <-chan messaging.BroadcastDelivery {
	return st.messages
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		err = st.pubsub.Close()
	})
	return err
}
