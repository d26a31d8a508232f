package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	castprom "github.com/AuralisLabs/CastKit/metrics/prometheus"
	"github.com/AuralisLabs/CastKit/taskerr"
)

const (
	defaultPrefix       = "castkit"
	defaultSlotTTL      = 30 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// Slots live in one sorted set: member = holder token, score = expiry in
// epoch milliseconds. Every acquire prunes expired members first, so slots
// held by crashed processes return to the pool after the TTL.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	return 1
end
return 0
`)

// renewScript extends a slot only if it still exists; a reclaimed slot must
// not be resurrected.
var renewScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// RedisLimiter admits tasks fleet-wide through a shared sorted set.
type RedisLimiter struct {
	client       *redis.Client
	capacity     int
	prefix       string
	slotTTL      time.Duration
	pollInterval time.Duration
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithPrefix sets the key namespace prefix.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		l.prefix = prefix
	}
}

// WithSlotTTL sets how long an unrenewed slot survives.
func WithSlotTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLimiter) {
		l.slotTTL = ttl
	}
}

// WithPollInterval sets how often a blocked Acquire re-checks for capacity.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLimiter) {
		l.pollInterval = d
	}
}

// NewRedisLimiter creates a limiter admitting capacity concurrent holders.
func NewRedisLimiter(client *redis.Client, capacity int, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client:       client,
		capacity:     capacity,
		prefix:       defaultPrefix,
		slotTTL:      defaultSlotTTL,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLimiter) slotsKey() string {
	return fmt.Sprintf("%s:limiter:slots", l.prefix)
}

// Capacity returns the configured admission ceiling.
func (l *RedisLimiter) Capacity() int {
	return l.capacity
}

// Acquire polls for a free slot until ctx ends, then reports
// taskerr.ErrBusy.
func (l *RedisLimiter) Acquire(ctx context.Context, token string) (Slot, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.tryAcquire(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("acquire slot: %w", err)
		}
		if ok {
			castprom.RecordSlotAcquired()
			return &redisSlot{limiter: l, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no slot for %s within deadline: %w", token, taskerr.ErrBusy)
		case <-ticker.C:
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context, token string) (bool, error) {
	now := time.Now()
	n, err := acquireScript.Run(ctx, l.client, []string{l.slotsKey()},
		now.UnixMilli(), l.capacity, now.Add(l.slotTTL).UnixMilli(), token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type redisSlot struct {
	limiter *RedisLimiter
	token   string
	once    sync.Once
}

// Renew pushes the slot expiry out by one TTL. ErrSlotLost means the slot
// was reclaimed; the holder is running outside the admission count.
func (s *redisSlot) Renew(ctx context.Context) error {
	l := s.limiter
	n, err := renewScript.Run(ctx, l.client, []string{l.slotsKey()},
		s.token, time.Now().Add(l.slotTTL).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("renew slot %s: %w", s.token, err)
	}
	if n != 1 {
		return fmt.Errorf("renew slot %s: %w", s.token, ErrSlotLost)
	}
	return nil
}

func (s *redisSlot) Release(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.limiter.client.ZRem(ctx, s.limiter.slotsKey(), s.token).Err()
		castprom.RecordSlotReleased()
	})
	if err != nil {
		return fmt.Errorf("release slot %s: %w", s.token, err)
	}
	return nil
}
