package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reelcraft/orchestrator/pkg/models"
)

// Publisher is the bus surface TaskDispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) (models.Event, error)
}

// TaskDispatcher implements scheduler.Dispatcher by turning a scheduled
// task into a TASK_DISPATCHED event on the bus, addressed to the task's
// agent_name. The subscribing agent's HandleEvent checks agent_name
// before acting, the same way a remote worker pool would filter work
// off a shared topic.
type TaskDispatcher struct {
	publisher Publisher
}

// NewTaskDispatcher wraps a bus.Bus (or anything satisfying Publisher).
func NewTaskDispatcher(publisher Publisher) *TaskDispatcher {
	return &TaskDispatcher{publisher: publisher}
}

// TaskDispatchedPayload is the wire payload of a TASK_DISPATCHED event.
type TaskDispatchedPayload struct {
	TaskID    string          `json:"task_id"`
	AgentName string          `json:"agent_name"`
	ShotID    string          `json:"shot_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Dispatch publishes t as a TASK_DISPATCHED event.
func (d *TaskDispatcher) Dispatch(ctx context.Context, t models.Task) error {
	payload, err := json.Marshal(TaskDispatchedPayload{
		TaskID:    t.ID,
		AgentName: t.AgentName,
		ShotID:    t.ShotID,
		Payload:   t.Payload,
	})
	if err != nil {
		return fmt.Errorf("agent: marshal task dispatch payload: %w", err)
	}

	_, err = d.publisher.Publish(ctx, models.Event{
		Type:      "TASK_DISPATCHED",
		ProjectID: t.ProjectID,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("agent: publish task dispatch for %s: %w", t.ID, err)
	}
	return nil
}
