// Package task implements the task lifecycle state machine: the legal
// transitions a task may make between pending, ready, running, waiting
// on a human approval, failed (which may be retried), and its two
// terminal states, completed and cancelled.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/reelcraft/orchestrator/pkg/models"
)

// ErrIllegalTransition is returned when a requested transition is not in
// the legal-transitions table for the task's current status.
var ErrIllegalTransition = errors.New("task: illegal transition")

// legalTransitions maps each status to the set of statuses it may move
// to. READY<->WAITING_APPROVAL brackets an approval checkpoint; FAILED
// can return to PENDING for a retry or move to CANCELLED once retries
// are exhausted; every other terminal state is final.
var legalTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending:         {models.TaskReady, models.TaskCancelled},
	models.TaskReady:           {models.TaskRunning, models.TaskWaitingApproval, models.TaskCancelled},
	models.TaskRunning:         {models.TaskCompleted, models.TaskFailed, models.TaskCancelled},
	models.TaskFailed:          {models.TaskPending, models.TaskCancelled},
	models.TaskWaitingApproval: {models.TaskReady, models.TaskCancelled},
	models.TaskCompleted:       {},
	models.TaskCancelled:       {},
}

// CanTransition reports whether moving from to is legal.
func CanTransition(from, to models.TaskStatus) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition moves t to the target status, applying timestamps and error
// bookkeeping on the matching edges. errMsg is recorded only on a
// transition into FAILED. now is accepted as a parameter rather than
// read internally so transitions stay deterministic in tests.
func Transition(t *models.Task, to models.TaskStatus, errMsg string, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}

	switch to {
	case models.TaskRunning:
		if t.StartedAt == nil {
			startedAt := now
			t.StartedAt = &startedAt
		}
	case models.TaskCompleted, models.TaskCancelled:
		completedAt := now
		t.CompletedAt = &completedAt
	case models.TaskFailed:
		completedAt := now
		t.CompletedAt = &completedAt
		t.ErrorMessage = errMsg
	case models.TaskPending:
		// Retrying a failed task: clear terminal bookkeeping and count
		// the attempt.
		t.CompletedAt = nil
		t.ErrorMessage = ""
		t.RetryCount++
	}

	t.Status = to
	return nil
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status models.TaskStatus) bool {
	return len(legalTransitions[status]) == 0
}

// DependenciesSatisfied reports whether every task ID in deps is present
// and COMPLETED in completed.
func DependenciesSatisfied(deps []string, completed map[string]bool) bool {
	for _, id := range deps {
		if !completed[id] {
			return false
		}
	}
	return true
}
