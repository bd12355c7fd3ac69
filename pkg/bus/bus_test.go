package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/reelcraft/orchestrator/pkg/eventlog"
	"github.com/reelcraft/orchestrator/pkg/models"
)

func newTestBus(t *testing.T, causationCapacity int) *Bus {
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

	log := eventlog.New(rdb, eventlog.Config{
		StreamMaxLen:  1000,
		ConsumerGroup: "bus-test",
		ReadBlock:     200 * time.Millisecond,
		ReadCount:     16,
	})

	return New(log, "pod-1", causationCapacity)
}

func TestPublishDispatchesToSubscribers(t *testing.T) {
	b := newTestBus(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []models.Event
	done := make(chan struct{}, 1)

	b.Subscribe("TASK_COMPLETED", func(ctx context.Context, ev models.Event) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	b.Start(ctx)
	defer b.Stop()

	published, err := b.Publish(ctx, models.Event{
		Type:      "TASK_COMPLETED",
		ProjectID: "proj-1",
		Payload:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscriber dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, published.ID, received[0].ID)
}

func TestCausationIndexEvictsBeyondCapacity(t *testing.T) {
	b := newTestBus(t, 2)
	ctx := context.Background()

	e1, err := b.Publish(ctx, models.Event{Type: "A", ProjectID: "p", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	e2, err := b.Publish(ctx, models.Event{Type: "A", ProjectID: "p", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	e3, err := b.Publish(ctx, models.Event{Type: "A", ProjectID: "p", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, ok := b.CausedBy(e1.ID)
	assert.False(t, ok, "oldest entry should have been evicted")

	got2, ok := b.CausedBy(e2.ID)
	require.True(t, ok)
	assert.Equal(t, e2.ID, got2.ID)

	got3, ok := b.CausedBy(e3.ID)
	require.True(t, ok)
	assert.Equal(t, e3.ID, got3.ID)
}

func TestReplayBypassesSubscribers(t *testing.T) {
	b := newTestBus(t, 10)
	ctx := context.Background()

	called := false
	b.Subscribe("REPLAYED", func(ctx context.Context, ev models.Event) error {
		called = true
		return nil
	})

	_, err := b.Publish(ctx, models.Event{Type: "REPLAYED", ProjectID: "p", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	events, err := b.Replay(ctx, "REPLAYED", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, called, "replay must not invoke live subscribers")
}
