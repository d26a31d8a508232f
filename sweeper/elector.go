package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AuralisLabs/CastKit/logger"
)

// defaultLockTTL bounds how long a crashed sweeper can block its peers.
const defaultLockTTL = 30 * time.Second

// Elector serializes sweep rounds so only one process scans the shared
// store at a time.
type Elector interface {
	// TryAcquire attempts to take the sweep lock. ok reports whether
	// this process holds it; release must be called when ok is true.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalElector always grants the lock. Paired with the in-memory
// monitor, where every process owns its own task map and must run its
// own sweeps.
type LocalElector struct{}

// TryAcquire implements Elector.
func (LocalElector) TryAcquire(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the lock only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisElector elects the sweeping process with a short-TTL advisory
// lock.
type RedisElector struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisElector returns an elector locking under prefix. A zero ttl
// uses the default.
func NewRedisElector(client *redis.Client, prefix string, ttl time.Duration) *RedisElector {
	if prefix == "" {
		prefix = "castkit"
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisElector{
		client: client,
		key:    prefix + ":sweeper:lock",
		ttl:    ttl,
	}
}

// TryAcquire implements Elector.
func (e *RedisElector) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := e.client.SetNX(ctx, e.key, token, e.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, e.client, []string{e.key}, token).Err(); err != nil {
			logger.Warn("release sweep lock", "error", err)
		}
	}
	return release, true, nil
}

var (
	_ Elector = LocalElector{}
	_ Elector = (*RedisElector)(nil)
)
