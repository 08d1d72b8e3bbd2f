// Package lock provides the Redis backed history.Locker used when several service instances
// write to the same history store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 10 * time.Second
	defaultRetry = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an expired lock that
// was taken over by another writer is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of the go-redis client the locker needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// ErrNotAcquired is returned when the lock could not be taken before the context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisLocker implements history.Locker with SET NX and a token checked on release.
type RedisLocker struct {
	client Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithPrefix namespaces the lock keys.
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client Client, opts ...Option) *RedisLocker {
	l := &RedisLocker{client: client, ttl: defaultTTL, retry: defaultRetry, prefix: "lock:"}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock implements history.Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			// An error here only delays the next writer until the TTL expires.
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
