// Package bus is the in-process event bus sitting on top of pkg/eventlog.
// It publishes events durably to Redis Streams, fans them out to local
// subscribers, and keeps a bounded in-memory causation index for quick
// "what produced this event" lookups without round-tripping to Redis.
package bus

import (
	"container/ring"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelcraft/orchestrator/pkg/eventlog"
	"github.com/reelcraft/orchestrator/pkg/models"
)

// Handler processes one delivered event. A returned error is logged; it
// never blocks other subscribers or crashes the bus.
type Handler func(ctx context.Context, event models.Event) error

// Bus durably publishes events and dispatches them to subscribed
// consumer-loop goroutines, one per event type.
type Bus struct {
	log      *eventlog.Log
	podID    string
	mu       sync.Mutex
	handlers map[string][]Handler

	causationMu  sync.Mutex
	causation    *ring.Ring
	causationIdx map[string]*ring.Ring

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Bus over an event log. podID identifies this process as a
// Redis Streams consumer group member.
func New(log *eventlog.Log, podID string, causationCapacity int) *Bus {
	return &Bus{
		log:          log,
		podID:        podID,
		handlers:     make(map[string][]Handler),
		causation:    ring.New(causationCapacity),
		causationIdx: make(map[string]*ring.Ring, causationCapacity),
	}
}

// Subscribe registers a handler for an event type. Must be called before
// Start.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish appends event to the durable log, assigning it a fresh ID and
// timestamp if unset, and records it in the causation index. It does not
// invoke local handlers directly — those fire from each event type's
// consumer loop, the same path a remote consumer would take.
func (b *Bus) Publish(ctx context.Context, event models.Event) (models.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if _, err := b.log.Append(ctx, event); err != nil {
		return models.Event{}, fmt.Errorf("bus: publish %s: %w", event.Type, err)
	}

	b.recordCausation(event)
	return event, nil
}

func (b *Bus) recordCausation(event models.Event) {
	b.causationMu.Lock()
	defer b.causationMu.Unlock()

	if evicted, ok := b.causation.Value.(models.Event); ok {
		delete(b.causationIdx, evicted.ID)
	}
	b.causation.Value = event
	b.causationIdx[event.ID] = b.causation
	b.causation = b.causation.Next()
}

// CausedBy returns the event recorded under eventID, if it is still
// within the bounded causation window.
func (b *Bus) CausedBy(eventID string) (models.Event, bool) {
	b.causationMu.Lock()
	defer b.causationMu.Unlock()

	r, ok := b.causationIdx[eventID]
	if !ok {
		return models.Event{}, false
	}
	ev, ok := r.Value.(models.Event)
	return ev, ok
}

// Start launches one consumer-group reader goroutine per subscribed
// event type. It returns immediately; Stop shuts every loop down.
func (b *Bus) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, handlers := range b.handlers {
		if err := b.log.EnsureGroup(runCtx, eventType); err != nil {
			slog.Error("bus: failed to ensure consumer group", "event_type", eventType, "error", err)
			continue
		}
		b.wg.Add(1)
		go b.consumeLoop(runCtx, eventType, handlers)
	}
}

// Stop cancels every consumer loop and waits for them to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bus) consumeLoop(ctx context.Context, eventType string, handlers []Handler) {
	defer b.wg.Done()
	consumer := b.podID

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := b.log.ReadGroup(ctx, eventType, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for _, d := range deliveries {
			b.dispatch(ctx, eventType, handlers, d)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, eventType string, handlers []Handler, d eventlog.Delivery) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: subscriber panicked", "event_type", eventType, "event_id", d.Event.ID, "panic", r)
				}
			}()
			if err := h(ctx, d.Event); err != nil {
				slog.Error("bus: subscriber returned error", "event_type", eventType, "event_id", d.Event.ID, "error", err)
			}
		}()
	}

	if err := b.log.Ack(ctx, eventType, d.StreamID); err != nil {
		slog.Error("bus: failed to ack delivery", "event_type", eventType, "stream_id", d.StreamID, "error", err)
	}
}

// Replay reads events for an event type in a time range directly from
// the durable log, bypassing consumer groups and without notifying
// subscribers.
func (b *Bus) Replay(ctx context.Context, eventType string, from, to time.Time) ([]models.Event, error) {
	events, err := b.log.Range(ctx, eventType, from, to)
	if err != nil {
		return nil, fmt.Errorf("bus: replay %s: %w", eventType, err)
	}
	return events, nil
}
