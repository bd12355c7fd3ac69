// Package approval implements human-in-the-loop checkpoints: pausing a
// project at configured event types, recording an approval request, and
// resuming or branching the project once a decision arrives.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/redisx"
)

// revisionRoutes resolves which agent a USER_REVISION_REQUESTED event
// should route to, keyed by the stage (event type) that triggered the
// checkpoint. spec.md leaves this an Open Question; this is the chosen
// resolution.
var revisionRoutes = map[string]string{
	"SCENE_WRITTEN":        "script_writer",
	"SHOT_PLANNED":         "shot_planner",
	"PREVIEW_VIDEO_READY":  "video_generator",
	"FINAL_VIDEO_READY":    "video_generator",
}

// RouteForStage returns the agent name that should handle a revision
// requested at stage, and whether a route is known for it.
func RouteForStage(stage string) (string, bool) {
	agent, ok := revisionRoutes[stage]
	return agent, ok
}

// TimeoutBehavior controls what happens to an approval that times out.
type TimeoutBehavior string

const (
	TimeoutReject   TimeoutBehavior = "reject"
	TimeoutRevision TimeoutBehavior = "revision"
)

// Config controls checkpoint defaults and timeout handling.
type Config struct {
	DefaultTimeoutMinutes int
	TimeoutBehavior       TimeoutBehavior
	SweepInterval         time.Duration
	DefaultCheckpoints    []string
}

// Store is the blackboard surface the manager needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	Update(ctx context.Context, projectID string, fn func(p *models.Project) error) error
	CreateApproval(ctx context.Context, a models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	UpdateApproval(ctx context.Context, a models.ApprovalRequest) error
	ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error)
}

// Publisher is the bus surface needed to emit checkpoint/decision events.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) (models.Event, error)
}

// Manager pauses projects at configured checkpoints and resolves
// decisions made through the external interface.
type Manager struct {
	store     Store
	publisher Publisher
	rdb       *redis.Client
	cfg       Config
}

// New builds a Manager. rdb holds the paused-project set as a Redis set
// shared by every process using that Redis, which is rebuilt from the blackboard's PENDING rows on Start.
func New(store Store, publisher Publisher, rdb *redis.Client, cfg Config) *Manager {
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = 60
	}
	if cfg.TimeoutBehavior == "" {
		cfg.TimeoutBehavior = TimeoutReject
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{store: store, publisher: publisher, rdb: rdb, cfg: cfg}
}

// Start rebuilds the paused-project set from the blackboard's pending
// approval rows, so a restarted pod does not resume a project a prior
// pod had paused, then launches the timeout sweep goroutine.
func (m *Manager) Start(ctx context.Context) error {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("approval: rebuild paused set: %w", err)
	}
	for _, a := range pending {
		if err := m.markPaused(ctx, a.ProjectID); err != nil {
			slog.Error("approval: failed to mark project paused on startup", "project_id", a.ProjectID, "error", err)
		}
	}

	go m.sweepLoop(ctx)
	return nil
}

// Name identifies the manager as an agent.Agent so the runtime's
// recovery ladder can wrap its checkpoint handling.
func (m *Manager) Name() string {
	return "approval_manager"
}

// SubscribedEvents returns the manager's configured default checkpoint
// event types. A project's global_spec may list additional checkpoints
// via user_options.approval_checkpoints; ShouldIntercept/HandleEvent
// honor those per-project overrides once delivered, but the bus itself
// is only pre-subscribed to the process-wide default set.
func (m *Manager) SubscribedEvents() []string {
	return m.cfg.DefaultCheckpoints
}

// HandleEvent intercepts event if it lands on a configured checkpoint
// for its project, creating a pending approval request and pausing the
// project. Events that are not checkpoints for their project (including
// auto_mode projects) are a no-op.
func (m *Manager) HandleEvent(ctx context.Context, event models.Event) error {
	p, err := m.store.GetProject(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("approval: load project %s: %w", event.ProjectID, err)
	}
	if !ShouldIntercept(p, event.Type, m.cfg.DefaultCheckpoints) {
		return nil
	}
	_, err = m.Intercept(ctx, event.ProjectID, event.Type, event.Payload)
	return err
}

// ShouldIntercept decides whether eventType is a configured checkpoint
// for this project, honoring auto_mode and any per-project override.
func ShouldIntercept(p *models.Project, eventType string, defaults []string) bool {
	if p.AutoMode {
		return false
	}
	checkpoints := checkpointsFor(p, defaults)
	for _, c := range checkpoints {
		if c == eventType {
			return true
		}
	}
	return false
}

func checkpointsFor(p *models.Project, defaults []string) []string {
	var spec struct {
		UserOptions struct {
			ApprovalCheckpoints []string `json:"approval_checkpoints"`
		} `json:"user_options"`
	}
	if err := json.Unmarshal(p.GlobalSpec, &spec); err == nil && len(spec.UserOptions.ApprovalCheckpoints) > 0 {
		return spec.UserOptions.ApprovalCheckpoints
	}
	return defaults
}

// Intercept creates a PENDING approval request for a checkpoint event,
// publishes USER_APPROVAL_REQUIRED, and marks the project paused.
func (m *Manager) Intercept(ctx context.Context, projectID, stage string, eventContext json.RawMessage) (models.ApprovalRequest, error) {
	metadata := map[string]string{}
	if agent, ok := RouteForStage(stage); ok {
		metadata["revision_agent"] = agent
	}
	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("approval: marshal metadata: %w", err)
	}

	a := models.ApprovalRequest{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Stage:          stage,
		Status:         models.ApprovalPending,
		Context:        eventContext,
		Metadata:       metadataRaw,
		TimeoutMinutes: m.cfg.DefaultTimeoutMinutes,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.store.CreateApproval(ctx, a); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("approval: create request: %w", err)
	}
	if err := m.markPaused(ctx, projectID); err != nil {
		return models.ApprovalRequest{}, err
	}
	if err := m.publish(ctx, "USER_APPROVAL_REQUIRED", projectID, map[string]any{"approval_id": a.ID, "stage": stage}); err != nil {
		return models.ApprovalRequest{}, err
	}
	return a, nil
}

// Decide resolves a pending approval request. decision is one of
// "approve", "revise", "reject".
func (m *Manager) Decide(ctx context.Context, approvalID, decision, revisionNotes string) error {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("approval: load %s: %w", approvalID, err)
	}

	switch decision {
	case "approve":
		return m.resolve(ctx, a, models.ApprovalApproved, "", func(ctx context.Context) error {
			return m.publish(ctx, "USER_APPROVED", a.ProjectID, map[string]any{"approval_id": a.ID})
		})
	case "revise":
		return m.resolve(ctx, a, models.ApprovalRevision, revisionNotes, func(ctx context.Context) error {
			agent, _ := RouteForStage(a.Stage)
			return m.publish(ctx, "USER_REVISION_REQUESTED", a.ProjectID, map[string]any{
				"approval_id":    a.ID,
				"revision_notes": revisionNotes,
				"agent":          agent,
			})
		})
	case "reject":
		return m.resolve(ctx, a, models.ApprovalRejected, "", func(ctx context.Context) error {
			if err := m.failProject(ctx, a.ProjectID); err != nil {
				return err
			}
			return m.publish(ctx, "USER_REJECTED", a.ProjectID, map[string]any{"approval_id": a.ID})
		})
	default:
		return fmt.Errorf("approval: unknown decision %q", decision)
	}
}

// resolve persists the decided status (approved, rejected, or revision)
// and unpauses the project only on approval; after a rejection or a
// revision request the project stays in the paused set.
func (m *Manager) resolve(ctx context.Context, a models.ApprovalRequest, status models.ApprovalStatus, comment string, after func(context.Context) error) error {
	decidedAt := time.Now().UTC()
	a.Status = status
	a.DecidedAt = &decidedAt
	a.DecisionComment = comment

	if err := m.store.UpdateApproval(ctx, a); err != nil {
		return fmt.Errorf("approval: update %s: %w", a.ID, err)
	}

	if status == models.ApprovalApproved {
		if err := m.unmarkPaused(ctx, a.ProjectID); err != nil {
			return err
		}
	}

	return after(ctx)
}

func (m *Manager) failProject(ctx context.Context, projectID string) error {
	return m.store.Update(ctx, projectID, func(p *models.Project) error {
		p.Status = models.ProjectStatusFailed
		return nil
	})
}

// sweepLoop periodically times out approvals whose deadline has passed.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	pending, err := m.store.ListPendingApprovals(ctx)
	if err != nil {
		slog.Error("approval: sweep failed to list pending", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, a := range pending {
		deadline := a.CreatedAt.Add(time.Duration(a.TimeoutMinutes) * time.Minute)
		if now.Before(deadline) {
			continue
		}
		m.timeout(ctx, a)
	}
}

func (m *Manager) timeout(ctx context.Context, a models.ApprovalRequest) {
	a.Status = models.ApprovalTimedOut
	decidedAt := time.Now().UTC()
	a.DecidedAt = &decidedAt
	if err := m.store.UpdateApproval(ctx, a); err != nil {
		slog.Error("approval: failed to persist timeout", "approval_id", a.ID, "error", err)
		return
	}

	if err := m.publish(ctx, "APPROVAL_TIMED_OUT", a.ProjectID, map[string]any{"approval_id": a.ID}); err != nil {
		slog.Error("approval: failed to publish timeout event", "approval_id", a.ID, "error", err)
	}

	switch m.cfg.TimeoutBehavior {
	case TimeoutRevision:
		if err := m.Decide(ctx, a.ID, "revise", "timed out, resubmitting for revision"); err != nil {
			slog.Error("approval: timeout revision decision failed", "approval_id", a.ID, "error", err)
		}
	default:
		if err := m.failProject(ctx, a.ProjectID); err != nil {
			slog.Error("approval: timeout reject failed to fail project", "approval_id", a.ID, "error", err)
		}
	}
}

func (m *Manager) markPaused(ctx context.Context, projectID string) error {
	if err := m.rdb.SAdd(ctx, redisx.ApprovalPausedSetKey(), projectID).Err(); err != nil {
		return fmt.Errorf("approval: mark paused %s: %w", projectID, err)
	}
	return nil
}

func (m *Manager) unmarkPaused(ctx context.Context, projectID string) error {
	if err := m.rdb.SRem(ctx, redisx.ApprovalPausedSetKey(), projectID).Err(); err != nil {
		return fmt.Errorf("approval: unmark paused %s: %w", projectID, err)
	}
	return nil
}

// IsPaused reports whether projectID is currently in the paused set.
func (m *Manager) IsPaused(ctx context.Context, projectID string) (bool, error) {
	ok, err := m.rdb.SIsMember(ctx, redisx.ApprovalPausedSetKey(), projectID).Result()
	if err != nil {
		return false, fmt.Errorf("approval: check paused %s: %w", projectID, err)
	}
	return ok, nil
}

func (m *Manager) publish(ctx context.Context, eventType, projectID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("approval: marshal %s payload: %w", eventType, err)
	}
	_, err = m.publisher.Publish(ctx, models.Event{Type: eventType, ProjectID: projectID, Payload: raw})
	if err != nil {
		return fmt.Errorf("approval: publish %s: %w", eventType, err)
	}
	return nil
}
