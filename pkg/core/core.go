// Package core wires the blackboard, event bus, budget controller, and
// approval manager together behind the six
// transport-agnostic control operations a CLI or HTTP layer would call.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reelcraft/orchestrator/pkg/approval"
	"github.com/reelcraft/orchestrator/pkg/blackboard"
	"github.com/reelcraft/orchestrator/pkg/budget"
	"github.com/reelcraft/orchestrator/pkg/bus"
	"github.com/reelcraft/orchestrator/pkg/models"
)

// Core exposes spec.md §6.3's control surface over the wired
// coordination substrate.
type Core struct {
	store        *blackboard.Store
	bus          *bus.Bus
	budget       *budget.Adapter
	approval     *approval.Manager
	baseRate     float64
	multipliers  map[string]float64
}

// Deps bundles the components Core composes. All fields are required.
type Deps struct {
	Store          *blackboard.Store
	Bus            *bus.Bus
	Budget         *budget.Adapter
	Approval       *approval.Manager
	BaseRate       float64
	QualityMultipliers map[string]float64
}

// New builds a Core from already-wired dependencies.
func New(d Deps) *Core {
	return &Core{
		store:       d.Store,
		bus:         d.Bus,
		budget:      d.Budget,
		approval:    d.Approval,
		baseRate:    d.BaseRate,
		multipliers: d.QualityMultipliers,
	}
}

// CreateProjectInput is the payload for CreateProject.
type CreateProjectInput struct {
	GlobalSpec  json.RawMessage
	BudgetTotal *float64
}

// CreateProject creates a new project, publishes PROJECT_CREATED, and
// allocates its budget unless the caller supplied an explicit total or
// the global spec has no positive duration_seconds.
func (c *Core) CreateProject(ctx context.Context, in CreateProjectInput) (string, error) {
	var spec struct {
		DurationSeconds float64            `json:"duration_seconds"`
		QualityTier     models.QualityTier `json:"quality_tier"`
		AutoMode        bool               `json:"auto_mode"`
	}
	if err := json.Unmarshal(in.GlobalSpec, &spec); err != nil {
		return "", fmt.Errorf("core: decode global_spec: %w", err)
	}
	if spec.QualityTier == "" {
		spec.QualityTier = models.QualityBalanced
	}

	projectID := uuid.NewString()
	now := time.Now().UTC()

	p := &models.Project{
		ID:            projectID,
		Status:        models.ProjectStatusActive,
		AutoMode:      spec.AutoMode,
		QualityTier:   spec.QualityTier,
		GlobalSpec:    in.GlobalSpec,
		DNABank:       json.RawMessage(`{}`),
		ArtifactIndex: json.RawMessage(`{}`),
		Budget:        models.Budget{StartedAt: now},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.BudgetTotal != nil {
		p.Budget.Total = *in.BudgetTotal
	}

	if err := c.store.CreateProject(ctx, p); err != nil {
		return "", fmt.Errorf("core: create project: %w", err)
	}

	if _, err := c.bus.Publish(ctx, models.Event{
		Type:      "PROJECT_CREATED",
		ProjectID: projectID,
		Payload:   in.GlobalSpec,
	}); err != nil {
		return "", fmt.Errorf("core: publish PROJECT_CREATED: %w", err)
	}

	if in.BudgetTotal == nil && spec.DurationSeconds > 0 {
		if err := c.budget.AllocateOnProjectCreated(ctx, projectID, spec.DurationSeconds, c.baseRate, c.multipliers); err != nil {
			return "", fmt.Errorf("core: allocate budget: %w", err)
		}
	}

	return projectID, nil
}

// SubmitEvent publishes an arbitrary event onto the bus, assigning it an
// ID if the caller did not supply one.
func (c *Core) SubmitEvent(ctx context.Context, event models.Event) (string, error) {
	published, err := c.bus.Publish(ctx, event)
	if err != nil {
		return "", fmt.Errorf("core: submit event: %w", err)
	}
	return published.ID, nil
}

// GetProjectState returns a project's current document.
func (c *Core) GetProjectState(ctx context.Context, projectID string) (*models.Project, error) {
	p, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("core: get project state: %w", err)
	}
	return p, nil
}

// ReplayInput scopes a ReplayEvents call.
type ReplayInput struct {
	ProjectID  string
	EventTypes []string
	Since      time.Time
	Until      time.Time
}

// ReplayEvents reads historical events for a project across one or more
// event types, oldest first by CreatedAt, without re-triggering
// subscriber side effects.
func (c *Core) ReplayEvents(ctx context.Context, in ReplayInput) ([]models.Event, error) {
	var all []models.Event
	for _, eventType := range in.EventTypes {
		events, err := c.bus.Replay(ctx, eventType, in.Since, in.Until)
		if err != nil {
			return nil, fmt.Errorf("core: replay %s: %w", eventType, err)
		}
		for _, e := range events {
			if e.ProjectID == in.ProjectID {
				all = append(all, e)
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// DecideApproval resolves a pending approval request.
func (c *Core) DecideApproval(ctx context.Context, approvalID, decision, notes string) error {
	if err := c.approval.Decide(ctx, approvalID, decision, notes); err != nil {
		return fmt.Errorf("core: decide approval: %w", err)
	}
	return nil
}

// CancelProject transitions a project to CANCELLED. Unlike FAILED, this
// is always caller-initiated rather than a consequence of an error path.
func (c *Core) CancelProject(ctx context.Context, projectID string) error {
	err := c.store.Update(ctx, projectID, func(p *models.Project) error {
		p.Status = models.ProjectStatusCancelled
		return nil
	})
	if err != nil {
		return fmt.Errorf("core: cancel project: %w", err)
	}

	_, err = c.bus.Publish(ctx, models.Event{Type: "PROJECT_CANCELLED", ProjectID: projectID, Payload: json.RawMessage(`{}`)})
	if err != nil {
		return fmt.Errorf("core: publish PROJECT_CANCELLED: %w", err)
	}
	return nil
}
