package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestLock(t *testing.T) *Lock {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, 20*time.Millisecond)
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "dna_bank:proj-1", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "dna_bank:proj-1", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, l.Release(ctx, "dna_bank:proj-1", token))

	token2, err := l.Acquire(ctx, "dna_bank:proj-1", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token2)
}

func TestReleaseRejectsWrongToken(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "shot:proj-1:shot-1", time.Second)
	require.NoError(t, err)

	err = l.Release(ctx, "shot:proj-1:shot-1", "not-the-real-token")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestAcquireBlockingWaitsForRelease(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "render:proj-1", 200*time.Millisecond)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Release(context.Background(), "render:proj-1", token)
	}()

	token2, err := l.AcquireBlocking(ctx, "render:proj-1", time.Second, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token2)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := newTestLock(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = l.WithLock(ctx, "dna_bank:proj-2", time.Second, func(ctx context.Context) error {
			panic("boom")
		})
	}()

	token, err := l.Acquire(ctx, "dna_bank:proj-2", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}
