package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/reelcraft/orchestrator/pkg/blackboard"
	"github.com/reelcraft/orchestrator/pkg/models"
)

// CostEvent is the payload of a cost-bearing event (e.g. IMAGE_GENERATED,
// FINAL_VIDEO_READY) the adapter subscribes to.
type CostEvent struct {
	ProjectID string  `json:"project_id"`
	Amount    float64 `json:"amount"`
}

// costBearingEvents are the generation events that realize a cost
// against a project's budget, per spec.md §6.1's generation event list.
var costBearingEvents = []string{
	"IMAGE_GENERATED",
	"PREVIEW_VIDEO_READY",
	"FINAL_VIDEO_READY",
	"MUSIC_COMPOSED",
	"VOICE_RENDERED",
}

// Publisher is the subset of bus.Bus the adapter needs to emit
// threshold events, narrowed for testability.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) (models.Event, error)
}

// Adapter wires the pure Evaluate core to the blackboard and event bus:
// HandleEvent is registered against every cost-bearing event type.
type Adapter struct {
	store      *blackboard.Store
	publisher  Publisher
	thresholds Thresholds
	maxRetries int
}

// New builds an Adapter over a blackboard store and publisher.
func New(store *blackboard.Store, publisher Publisher, thresholds Thresholds, maxRetries int) *Adapter {
	return &Adapter{store: store, publisher: publisher, thresholds: thresholds, maxRetries: maxRetries}
}

// Name identifies this adapter as an agent.Agent so the runtime's
// recovery ladder can wrap its event handling.
func (a *Adapter) Name() string {
	return "budget_controller"
}

// SubscribedEvents returns the cost-bearing event types this adapter
// observes.
func (a *Adapter) SubscribedEvents() []string {
	return costBearingEvents
}

// HandleEvent applies a cost-bearing event: it increments spend under
// optimistic concurrency, evaluates the decision core against the
// post-increment state, and publishes whatever threshold events fire.
func (a *Adapter) HandleEvent(ctx context.Context, event models.Event) error {
	var cost CostEvent
	if err := json.Unmarshal(event.Payload, &cost); err != nil {
		return fmt.Errorf("budget: decode cost event: %w", err)
	}

	var decision Decision
	var tierChanged bool

	err := a.store.UpdateWithRetry(ctx, cost.ProjectID, a.maxRetries, func(p *models.Project) error {
		p.Budget.Spent += cost.Amount

		progress := projectProgress(p)
		decision = Evaluate(p.Budget, progress, p.QualityTier, a.thresholds)

		tierChanged = decision.Downgrade && decision.NewQualityTier != p.QualityTier
		if tierChanged {
			p.QualityTier = decision.NewQualityTier
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("budget: apply cost event for %s: %w", cost.ProjectID, err)
	}

	return a.publishDecision(ctx, cost.ProjectID, decision, tierChanged)
}

func projectProgress(p *models.Project) Progress {
	total := len(p.Shots)
	completed := 0
	for _, s := range p.Shots {
		if s.Status == "completed" {
			completed++
		}
	}
	return Progress{CompletedShots: completed, TotalShots: total}
}

func (a *Adapter) publishDecision(ctx context.Context, projectID string, d Decision, tierChanged bool) error {
	if d.BudgetExceeded {
		if err := a.publish(ctx, "BUDGET_EXCEEDED", projectID, map[string]any{
			"usage_rate": d.UsageRate,
		}); err != nil {
			return err
		}
	}
	if d.CostOverrunWarn {
		if err := a.publish(ctx, "COST_OVERRUN_WARNING", projectID, map[string]any{
			"usage_rate":      d.UsageRate,
			"predicted_total": d.PredictedTotal,
		}); err != nil {
			return err
		}
	}
	if tierChanged {
		if err := a.publish(ctx, "STRATEGY_UPDATE", projectID, map[string]any{
			"quality_tier": d.NewQualityTier,
		}); err != nil {
			return err
		}
		slog.Info("budget: downgraded quality tier", "project_id", projectID, "new_tier", d.NewQualityTier)
	}
	return nil
}

func (a *Adapter) publish(ctx context.Context, eventType, projectID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("budget: marshal %s payload: %w", eventType, err)
	}
	_, err = a.publisher.Publish(ctx, models.Event{
		Type:      eventType,
		ProjectID: projectID,
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("budget: publish %s: %w", eventType, err)
	}
	return nil
}

// AllocateOnProjectCreated computes and persists the initial budget
// total for a newly created project, publishing BUDGET_ALLOCATED.
func (a *Adapter) AllocateOnProjectCreated(ctx context.Context, projectID string, durationSeconds, baseRate float64, multipliers map[string]float64) error {
	var total float64
	err := a.store.Update(ctx, projectID, func(p *models.Project) error {
		total = Allocate(durationSeconds, p.QualityTier, baseRate, multipliers)
		p.Budget.Total = total
		return nil
	})
	if err != nil {
		return fmt.Errorf("budget: allocate for %s: %w", projectID, err)
	}
	return a.publish(ctx, "BUDGET_ALLOCATED", projectID, map[string]any{"total": total})
}
