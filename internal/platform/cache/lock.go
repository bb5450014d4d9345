package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out short-lived exclusive claims on string keys. A claim that is
// never released expires after its TTL so a crashed holder cannot wedge a key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
}

// Release gives a claim back. Releasing an expired or foreign claim is a no-op.
type Release func(ctx context.Context) error

// RecurrenceFiringKey builds the lock key guarding one recurrence while it fires.
func RecurrenceFiringKey(recurrenceID string) string {
	return fmt.Sprintf("courier:recurrence:%s:firing", recurrenceID)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock claims key for ttl. ok is false when another holder owns it.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("platform/cache: unlock %s: %w", key, err)
		}
		return nil
	}, true, nil
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryClaim
	clock func() time.Time
}

type memoryClaim struct {
	token     uuid.UUID
	expiresAt time.Time
}

// NewMemoryLocker constructs an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryClaim), clock: time.Now}
}

// TryLock claims key for ttl.
func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if claim, ok := l.held[key]; ok && now.Before(claim.expiresAt) {
		return nil, false, nil
	}
	token := uuid.New()
	l.held[key] = memoryClaim{token: token, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if claim, ok := l.held[key]; ok && claim.token == token {
			delete(l.held, key)
		}
		return nil
	}, true, nil
}

// NewLocker prefers Redis and falls back to the in-process locker when Redis
// is not reachable.
func NewLocker(ctx context.Context, client *redis.Client) Locker {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisLocker(client)
		}
	}
	return NewMemoryLocker()
}
