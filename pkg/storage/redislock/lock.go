// Package redislock provides a best-effort distributed mutex on redis.
//
// It keeps two replicas of the billing jobs from sweeping the same rows at
// the same moment. Correctness never depends on it: the billing store's
// status guards already make concurrent sweeps safe. The lock only saves the
// duplicated provider calls.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "salon-billing:lock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires named locks with a TTL
type Locker struct {
	client redis.UniversalClient
}

// New creates a Locker on client
func New(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Acquire tries once to take the lock. When acquired is false the lock is
// held elsewhere and release is nil.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// Ping reports whether redis is reachable
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
