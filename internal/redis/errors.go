package redis

import (
	"context"
	"errors"
	"time"

	"github.com/billingkit/eventq/contracts"
	goredis "github.com/redis/go-redis/v9"
)

// WrapError maps a go-redis error onto the eventq error taxonomy.
// redis.Nil becomes ErrNoMessage and a closed client becomes a ShutdownError.
// Context errors pass through unchanged only once ctx itself is done; network
// timeouts also satisfy context.DeadlineExceeded and are connection errors.
func WrapError(ctx context.Context, op, addr string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.Nil):
		return contracts.ErrNoMessage
	case errors.Is(err, goredis.ErrClosed):
		return &contracts.ShutdownError{Op: op}
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return err
	default:
		return &contracts.ConnectionError{
			Op:        op,
			Addr:      addr,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}
