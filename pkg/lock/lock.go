// Package lock implements the distributed lock guarding exclusive access
// to shared project resources (e.g. the DNA bank, a shared asset). It is
// a direct Go translation of the Redis SET-NX-EX acquire / Lua
// compare-and-delete release pattern used by the system this module
// coordinates.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/orchestrator/pkg/redisx"
)

// ErrNotAcquired is returned when Acquire could not obtain the lock
// because another owner currently holds it.
var ErrNotAcquired = errors.New("lock: not acquired")

// ErrNotHeld is returned by Release when the caller's token does not
// match the current holder (already expired, or never held).
var ErrNotHeld = errors.New("lock: not held")

// releaseScript deletes the key only if its value still equals the
// caller's token, so a lock can never release another owner's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Lock is a Redis-backed distributed mutex with lease-based auto-expiry.
type Lock struct {
	rdb          *redis.Client
	pollInterval time.Duration
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, pollInterval time.Duration) *Lock {
	return &Lock{rdb: rdb, pollInterval: pollInterval}
}

// Acquire attempts to take the named lock with the given lease,
// returning an owner token on success or ErrNotAcquired on contention.
func (l *Lock) Acquire(ctx context.Context, resource string, lease time.Duration) (string, error) {
	token := uuid.NewString()
	key := redisx.LockKey(resource)

	ok, err := l.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", fmt.Errorf("lock: acquire %s: %w", resource, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// AcquireBlocking polls Acquire at the lock's configured interval until
// it succeeds, the context is cancelled, or waitFor elapses.
func (l *Lock) AcquireBlocking(ctx context.Context, resource string, lease, waitFor time.Duration) (string, error) {
	deadline := time.Now().Add(waitFor)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		token, err := l.Acquire(ctx, resource, lease)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release drops the lock if and only if token still matches the
// current holder.
func (l *Lock) Release(ctx context.Context, resource, token string) error {
	key := redisx.LockKey(resource)
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", resource, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock acquires resource for the duration of fn and releases it on
// every exit path, including a panic unwinding through fn and a
// cancelled ctx (the release call does not inherit ctx's cancellation).
func (l *Lock) WithLock(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, resource, lease)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), resource, token); err != nil && !errors.Is(err, ErrNotHeld) {
			// Lease likely expired before release; nothing else to do.
			_ = err
		}
	}()
	return fn(ctx)
}
