// Package eventlog implements the append-only, per-topic, at-least-once
// delivery event log backing the orchestrator's event bus. It is a thin
// idiomatic wrapper over Redis Streams: one stream per event type, read
// through the single consumer group configured on the Log.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/redisx"
)

// ErrNoMessages is returned by ReadGroup when a read timed out with
// nothing new pending.
var ErrNoMessages = errors.New("eventlog: no messages available")

// Delivery is one event delivered to a consumer group, carrying the
// stream entry ID needed to Ack it.
type Delivery struct {
	StreamID string
	Event    models.Event
}

// Log appends events to, and reads them back from, Redis Streams.
type Log struct {
	rdb           *redis.Client
	streamMaxLen  int64
	consumerGroup string
	readBlock     time.Duration
	readCount     int64
}

// Config configures stream bounding and consumer-group behavior.
type Config struct {
	StreamMaxLen  int64
	ConsumerGroup string
	ReadBlock     time.Duration
	ReadCount     int64
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Log {
	return &Log{
		rdb:           rdb,
		streamMaxLen:  cfg.StreamMaxLen,
		consumerGroup: cfg.ConsumerGroup,
		readBlock:     cfg.ReadBlock,
		readCount:     cfg.ReadCount,
	}
}

// Append adds an event to its type's stream, approximately trimming the
// stream to streamMaxLen so a topic's footprint never grows unbounded
// across long-running replays.
func (l *Log) Append(ctx context.Context, event models.Event) (string, error) {
	key := redisx.StreamKey(event.Type)

	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: l.streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"id":           event.ID,
			"project_id":   event.ProjectID,
			"causation_id": event.CausationID,
			"payload":      string(event.Payload),
			"metadata":     string(event.Metadata),
			"created_at":   event.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventlog: append to %s: %w", key, err)
	}
	return id, nil
}

// EnsureGroup idempotently creates the consumer group for an event type,
// starting from the beginning of the stream ("0") so a newly subscribed
// component can replay history rather than missing everything appended
// before it first read.
func (l *Log) EnsureGroup(ctx context.Context, eventType string) error {
	key := redisx.StreamKey(eventType)
	err := l.rdb.XGroupCreateMkStream(ctx, key, l.consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("eventlog: create group for %s: %w", key, err)
	}
	return nil
}

// ReadGroup reads entries not yet delivered to any consumer of the log's
// consumer group (">"), blocking up to readBlock when nothing is ready.
// Entries already delivered but never acked stay in the group's pending
// list and are not read again by this call.
func (l *Log) ReadGroup(ctx context.Context, eventType, consumer string) ([]Delivery, error) {
	key := redisx.StreamKey(eventType)

	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.consumerGroup,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    l.readCount,
		Block:    l.readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessages
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: read group on %s: %w", key, err)
	}

	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := eventFromFields(eventType, msg.Values)
			if err != nil {
				slog.Warn("eventlog: dropping malformed entry", "stream", key, "id", msg.ID, "error", err)
				continue
			}
			out = append(out, Delivery{StreamID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// Ack acknowledges a delivered entry, removing it from the consumer
// group's pending entries list.
func (l *Log) Ack(ctx context.Context, eventType, streamID string) error {
	key := redisx.StreamKey(eventType)
	if err := l.rdb.XAck(ctx, key, l.consumerGroup, streamID).Err(); err != nil {
		return fmt.Errorf("eventlog: ack %s on %s: %w", streamID, key, err)
	}
	return nil
}

// Range returns events for an event type between two points in time,
// inclusive, ordered oldest-first. Used for replay (spec §4.4) rather
// than live consumption, so it bypasses consumer groups entirely.
func (l *Log) Range(ctx context.Context, eventType string, from, to time.Time) ([]models.Event, error) {
	key := redisx.StreamKey(eventType)

	start := "-"
	if !from.IsZero() {
		start = strconv.FormatInt(from.UnixMilli(), 10)
	}
	end := "+"
	if !to.IsZero() {
		end = strconv.FormatInt(to.UnixMilli(), 10)
	}

	msgs, err := l.rdb.XRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("eventlog: range on %s: %w", key, err)
	}

	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := eventFromFields(eventType, msg.Values)
		if err != nil {
			slog.Warn("eventlog: dropping malformed entry during range", "stream", key, "id", msg.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventFromFields(eventType string, values map[string]any) (models.Event, error) {
	get := func(k string) string {
		v, _ := values[k].(string)
		return v
	}

	createdAt, err := time.Parse(time.RFC3339Nano, get("created_at"))
	if err != nil {
		return models.Event{}, fmt.Errorf("parse created_at: %w", err)
	}

	return models.Event{
		ID:          get("id"),
		Type:        eventType,
		ProjectID:   get("project_id"),
		CausationID: get("causation_id"),
		Payload:     []byte(get("payload")),
		Metadata:    []byte(get("metadata")),
		CreatedAt:   createdAt,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
