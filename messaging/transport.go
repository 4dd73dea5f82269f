package messaging

import (
	"context"
	"time"

	"github.com/billingkit/eventq/contracts"
)

// ErrNoMessage is returned by QueueStore.Pop when the list stayed empty
var ErrNoMessage = contracts.ErrNoMessage

// QueueStore is the durable part of the backing-store contract
type QueueStore interface {
	// Append adds data at the tail of a FIFO list
	Append(ctx context.Context, list string, data []byte) error

	// Restore puts data back at the head of a FIFO list so it is popped next
	Restore(ctx context.Context, list string, data []byte) error

	// Pop removes data from the head of a FIFO list, waiting up to timeout.
	// A timeout of zero or less does not block.
	Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)

	// Schedule inserts data into a scored set with score = due
	Schedule(ctx context.Context, set string, data []byte, due time.Time) error

	// PromoteDue atomically moves up to limit members with score <= now
	// from set to the tail of list and returns how many moved
	PromoteDue(ctx context.Context, set, list string, now time.Time, limit int) (int, error)

	// Lengths returns a consistent snapshot of the three container sizes of a topic
	Lengths(ctx context.Context, keys contracts.TopicKeys) (QueueLengths, error)
}

// QueueLengths holds container sizes of one topic
type QueueLengths struct {
	Ready      int64
	Delayed    int64
	DeadLetter int64
}

// BroadcastStore is the transient pub/sub part of the backing-store contract
type BroadcastStore interface {
	// Publish sends data to every live subscriber of channel
	Publish(ctx context.Context, channel string, data []byte) error

	// PSubscribe subscribes to every channel matching a glob pattern
	PSubscribe(ctx context.Context, pattern string) (BroadcastStream, error)
}

// BroadcastStream delivers broadcast messages to one subscriber
type BroadcastStream interface {
	// Messages returns the delivery channel; it is closed when the stream ends
	Messages() <-chan BroadcastDelivery

	// Close ends the stream
	Close() error
}

// BroadcastDelivery is one message received from a broadcast channel
type BroadcastDelivery struct {
	Channel string
	Pattern string
	Data    []byte
}

// Sessions owns the store connections. General, publishing and consuming
// traffic use independent sessions so a blocking pop never stalls a publish.
type Sessions interface {
	// General returns the session used for promotion, stats and operator tooling
	General() QueueStore

	// Publishing returns the session used by publishers
	Publishing() QueueStore

	// Consuming returns the session used by blocking pops
	Consuming() QueueStore

	// Broadcast returns the pub/sub session
	Broadcast() BroadcastStore

	// Connect establishes every session
	Connect(ctx context.Context) error

	// Close releases every session
	Close() error

	// IsConnected returns connection status
	IsConnected() bool

	// AddStateListener registers a connectivity observer
	AddStateListener(listener ConnectionStateListener)

	// RemoveStateListener unregisters a connectivity observer
	RemoveStateListener(listener ConnectionStateListener)
}
