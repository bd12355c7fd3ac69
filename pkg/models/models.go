// Package models defines the coordination substrate's data model:
// projects, shots, budgets, tasks, events, and approval requests.
package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusPaused    ProjectStatus = "paused"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// QualityTier is the generation quality/cost tier a project runs at.
// The budget controller downgrades this under cost pressure.
type QualityTier string

const (
	QualityHigh     QualityTier = "high"
	QualityBalanced QualityTier = "balanced"
	QualityFast     QualityTier = "fast"
)

// Project is the root aggregate for a video production run. GlobalSpec,
// Shots, DNABank and ArtifactIndex are stored as jsonb documents in
// Postgres and cached in Redis; Version gates optimistic-concurrency
// writes in the blackboard.
type Project struct {
	ID            string          `json:"id"`
	Status        ProjectStatus   `json:"status"`
	Version       int64           `json:"version"`
	AutoMode      bool            `json:"auto_mode"`
	QualityTier   QualityTier     `json:"quality_tier"`
	GlobalSpec    json.RawMessage `json:"global_spec"`
	Shots         []Shot          `json:"shots"`
	DNABank       json.RawMessage `json:"dna_bank"`
	ArtifactIndex json.RawMessage `json:"artifact_index"`
	Budget        Budget          `json:"budget"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Shot is a single unit of video to produce within a project.
type Shot struct {
	ID          string          `json:"id"`
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Budget tracks spend against an allocated total for a project.
type Budget struct {
	Total             float64   `json:"total"`
	Spent             float64   `json:"spent"`
	WarningThreshold  float64   `json:"warning_threshold"`
	StartedAt         time.Time `json:"started_at"`
	ElapsedSecondsHint float64  `json:"-"`
}

// UsageRate returns spend per second of elapsed wall-clock time since
// the budget started, or 0 if no time has elapsed yet.
func (b Budget) UsageRate(now time.Time) float64 {
	elapsed := now.Sub(b.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return b.Spent / elapsed
}

// TaskStatus is a task's position in the state machine (see pkg/task).
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskReady            TaskStatus = "ready"
	TaskRunning          TaskStatus = "running"
	TaskWaitingApproval  TaskStatus = "waiting_approval"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskCancelled        TaskStatus = "cancelled"
)

// Task is a unit of work dispatched to an agent.
type Task struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	ShotID          string          `json:"shot_id,omitempty"`
	AgentName       string          `json:"agent_name"`
	Status          TaskStatus      `json:"status"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	RequiresLock    string          `json:"requires_lock,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Event is an immutable fact appended to the event log and delivered to
// the event bus. CausationID links an event to the one that produced it.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	CausationID string          `json:"causation_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ApprovalStatus is the decision state of a human approval checkpoint.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalRevision ApprovalStatus = "revision"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// ApprovalRequest is a human-in-the-loop checkpoint blocking a project.
type ApprovalRequest struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Stage           string          `json:"stage"`
	Status          ApprovalStatus  `json:"status"`
	Context         json.RawMessage `json:"context,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TimeoutMinutes  int             `json:"timeout_minutes"`
	CreatedAt       time.Time       `json:"created_at"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	DecisionComment string          `json:"decision_comment,omitempty"`
}

// Ownership scopes a distributed lock hand-off: which owner token holds
// a named resource and until when its lease is valid.
type Ownership struct {
	Resource  string    `json:"resource"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
