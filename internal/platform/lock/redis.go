package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica, built on SET NX PX.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis returns a Locker using rdb. Keys are namespaced under prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// TryLock sets prefix+key to a random token if absent, expiring after ttl.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	full := r.prefix + key
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("can't acquire lock %q in redis: %w", full, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Err(); err != nil {
			return fmt.Errorf("can't release lock %q in redis: %w", full, err)
		}
		return nil
	}, nil
}
