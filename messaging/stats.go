package messaging

import (
	"context"

	"github.com/billingkit/eventq/contracts"
)

// QueueStats is a snapshot of the container sizes of one topic
type QueueStats struct {
	Topic   string `json:"topic"`
	Pending int64  `json:"pending"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
	Total   int64  `json:"total"`
}

// StatsReader reads queue statistics from a store session
type StatsReader struct {
	store QueueStore
}

// NewStatsReader creates a stats reader
func NewStatsReader(store QueueStore) *StatsReader {
	return &StatsReader{store: store}
}

// GetQueueStats returns the pending, delayed and failed counts of topic
func (r *StatsReader) GetQueueStats(ctx context.Context, topic string) (QueueStats, error) {
	keys, err := contracts.KeysFor(topic)
	if err != nil {
		return QueueStats{}, err
	}

	lengths, err := r.store.Lengths(ctx, keys)
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{
		Topic:   topic,
		Pending: lengths.Ready,
		Delayed: lengths.Delayed,
		Failed:  lengths.DeadLetter,
		Total:   lengths.Ready + lengths.Delayed + lengths.DeadLetter,
	}, nil
}
