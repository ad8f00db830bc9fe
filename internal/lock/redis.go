package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker hands out leases shared by every replica through SET NX.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: "meterflow:lock:",
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return nil, false, err
	}
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock client not configured")
	}

	token := uuid.NewString()
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisLease{locker: l, key: fullKey, token: token}, true, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

// Release deletes the key only while it still holds this lease's token.
func (r *redisLease) Release(ctx context.Context) error {
	return r.locker.script.Run(ctx, r.locker.client, []string{r.key}, r.token).Err()
}
