// Package redis implements the eventq backing store on Redis.
//
// A topic maps onto three keys: the ready list (LPUSH to append, BRPOP to
// pop), the delayed sorted set scored by due time in unix milliseconds and
// the dead-letter list. Broadcasts use PUBLISH and PSUBSCRIBE.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/billingkit/eventq/contracts"
	redisconn "github.com/billingkit/eventq/internal/redis"
	"github.com/billingkit/eventq/messaging"
	goredis "github.com/redis/go-redis/v9"
)

// promoteScript moves up to ARGV[2] members scored <= ARGV[1] from the sorted
// set KEYS[1] to the list KEYS[2]. A member is pushed only if this call
// removed it, so concurrent promoters never duplicate an envelope.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, member in ipairs(due) do
	if redis.call('ZREM', KEYS[1], member) == 1 then
		redis.call('LPUSH', KEYS[2], member)
		moved = moved + 1
	end
end
return moved
`)

// QueueStore implements messaging.QueueStore on one Redis client
type QueueStore struct {
	client *goredis.Client
	addr   string
}

var _ messaging.QueueStore = (*QueueStore)(nil)

// NewQueueStore creates a queue store on client
func NewQueueStore(client *goredis.Client) *QueueStore {
	return &QueueStore{client: client, addr: client.Options().Addr}
}

// Append implements messaging.QueueStore
func (s *QueueStore) Append(ctx context.Context, list string, data []byte) error {
	return redisconn.WrapError(ctx, "append", s.addr, s.client.LPush(ctx, list, data).Err())
}

// Restore implements messaging.QueueStore. Pops take from the right end, so
// RPUSH makes data the next entry popped.
func (s *QueueStore) Restore(ctx context.Context, list string, data []byte) error {
	return redisconn.WrapError(ctx, "restore", s.addr, s.client.RPush(ctx, list, data).Err())
}

// Pop implements messaging.QueueStore. Redis blocks for whole seconds, so
// positive timeouts below one second wait one second.
func (s *QueueStore) Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		data, err := s.client.RPop(ctx, list).Bytes()
		if err != nil {
			return nil, redisconn.WrapError(ctx, "pop", s.addr, err)
		}
		return data, nil
	}

	result, err := s.client.BRPop(ctx, timeout, list).Result()
	if err != nil {
		return nil, redisconn.WrapError(ctx, "pop", s.addr, err)
	}
	// BRPOP replies with [key, value].
	return []byte(result[1]), nil
}

// Schedule implements messaging.QueueStore
func (s *QueueStore) Schedule(ctx context.Context, set string, data []byte, due time.Time) error {
	err := s.client.ZAdd(ctx, set, goredis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
	return redisconn.WrapError(ctx, "schedule", s.addr, err)
}

// PromoteDue implements messaging.QueueStore
func (s *QueueStore) PromoteDue(ctx context.Context, set, list string, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = messaging.DefaultPromoteBatch
	}

	moved, err := promoteScript.Run(ctx, s.client,
		[]string{set, list},
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).Int()
	if err != nil {
		return 0, redisconn.WrapError(ctx, "promote", s.addr, err)
	}
	return moved, nil
}

// Lengths implements messaging.QueueStore. The three counters are read in
// one MULTI/EXEC transaction.
func (s *QueueStore) Lengths(ctx context.Context, keys contracts.TopicKeys) (messaging.QueueLengths, error) {
	var ready, delayed, dead *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		ready = pipe.LLen(ctx, keys.Ready)
		delayed = pipe.ZCard(ctx, keys.Delayed)
		dead = pipe.LLen(ctx, keys.DeadLetter)
		return nil
	})
	if err != nil {
		return messaging.QueueLengths{}, redisconn.WrapError(ctx, "stats", s.addr, err)
	}

	return messaging.QueueLengths{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		DeadLetter: dead.Val(),
	}, nil
}
