// Package redisx constructs the shared Redis client used by the event
// log, distributed lock, and blackboard cache, and centralizes their key
// namespacing so the three concerns never collide in the same keyspace.
package redisx

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient builds a go-redis client for the given address/DB.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}

// StreamKey returns the Redis Streams key for an event type's topic.
func StreamKey(eventType string) string {
	return "event_stream:" + eventType
}

// LockKey returns the Redis key guarding a named lockable resource.
func LockKey(resource string) string {
	return "lock:" + resource
}

// ProjectCacheKey returns the cache-aside key for a project document.
func ProjectCacheKey(projectID string) string {
	return "project:" + projectID
}

// ProjectCacheKeyPattern returns the SCAN match pattern for all project
// cache keys, used by cursor-based enumeration instead of KEYS.
func ProjectCacheKeyPattern() string {
	return "project:*"
}

// TaskCacheKey returns the cache-aside key for a task document.
func TaskCacheKey(taskID string) string {
	return "task:" + taskID
}

// ApprovalPausedSetKey is the set of project IDs currently paused on a
// pending approval, rebuilt from Postgres on startup.
func ApprovalPausedSetKey() string {
	return "approvals:paused_projects"
}

// ConsumerName returns a unique consumer identity for a Redis Streams
// consumer group member, scoped to the running process.
func ConsumerName(component string, podID string) string {
	return fmt.Sprintf("%s:%s", component, podID)
}
