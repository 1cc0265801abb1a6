package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a model.Locker backed by SET NX PX, so sync processes sharing a
// Redis serialize cycles for the same pair.
type Locker struct {
	client *goredis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewLocker creates a Locker whose leases expire after ttl.
func NewLocker(client *goredis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{client: client, ttl: ttl, poll: 200 * time.Millisecond}
}

// Lock blocks until key is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lockKey := "lock:sync:" + key

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	unlock := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{lockKey}, token).Err(); err != nil {
			slog.Warn("redis unlock failed", "key", key, "error", err)
		}
	}
	return unlock, nil
}
