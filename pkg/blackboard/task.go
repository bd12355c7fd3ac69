package blackboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reelcraft/orchestrator/pkg/models"
)

// CreateTask inserts a new task row with the status set on t.
func (s *Store) CreateTask(ctx context.Context, t models.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("blackboard: marshal depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, shot_id, agent_name, status, depends_on,
		                    requires_lock, timeout_seconds, payload, error_message,
		                    retry_count, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.ProjectID, nullIfEmpty(t.ShotID), t.AgentName, t.Status, dependsOn,
		nullIfEmpty(t.RequiresLock), t.TimeoutSeconds, t.Payload, nullIfEmpty(t.ErrorMessage),
		t.RetryCount, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("blackboard: insert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask writes back every mutable field of an in-memory task,
// keyed by ID. The task table has no optimistic-concurrency version
// column: tasks are owned by exactly one scheduler loop at a time, so
// there is no concurrent-writer race to guard against.
func (s *Store) UpdateTask(ctx context.Context, t models.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("blackboard: marshal depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, depends_on = $2, requires_lock = $3, timeout_seconds = $4,
		    payload = $5, error_message = $6, retry_count = $7, started_at = $8,
		    completed_at = $9
		WHERE id = $10`,
		t.Status, dependsOn, nullIfEmpty(t.RequiresLock), t.TimeoutSeconds,
		t.Payload, nullIfEmpty(t.ErrorMessage), t.RetryCount, t.StartedAt,
		t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("blackboard: update task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask reads a single task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, COALESCE(shot_id, ''), agent_name, status, depends_on,
		       COALESCE(requires_lock, ''), timeout_seconds, payload,
		       COALESCE(error_message, ''), retry_count, created_at, started_at, completed_at
		FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// ListTasks returns every task belonging to a project, ordered by
// creation time so dependency chains read in a stable order.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, COALESCE(shot_id, ''), agent_name, status, depends_on,
		       COALESCE(requires_lock, ''), timeout_seconds, payload,
		       COALESCE(error_message, ''), retry_count, created_at, started_at, completed_at
		FROM tasks WHERE project_id = $1 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("blackboard: list tasks for %s: %w", projectID, err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var dependsOn []byte
	if err := row.Scan(&t.ID, &t.ProjectID, &t.ShotID, &t.AgentName, &t.Status, &dependsOn,
		&t.RequiresLock, &t.TimeoutSeconds, &t.Payload, &t.ErrorMessage, &t.RetryCount,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, ErrNotFound
		}
		return models.Task{}, fmt.Errorf("blackboard: scan task: %w", err)
	}
	if err := json.Unmarshal(dependsOn, &t.DependsOn); err != nil {
		return models.Task{}, fmt.Errorf("blackboard: unmarshal depends_on: %w", err)
	}
	return t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
