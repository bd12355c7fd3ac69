// Package budget implements cost tracking and reactive quality-tier
// downgrade: a pure decision core over the last observed budget and
// progress, plus an adapter that applies decisions to the blackboard and
// publishes the resulting events.
package budget

import (
	"github.com/reelcraft/orchestrator/pkg/models"
)

// Progress is the fraction of project work completed, used to predict
// the final cost of a still-running project.
type Progress struct {
	CompletedShots int
	TotalShots     int
}

// Fraction returns completed/total, or 0 when total is unknown.
func (p Progress) Fraction() float64 {
	if p.TotalShots <= 0 {
		return 0
	}
	return float64(p.CompletedShots) / float64(p.TotalShots)
}

// Status is a coarse, human-facing read of budget health.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusCaution  Status = "CAUTION"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Thresholds configures the ratios that trigger each reaction. An Adapter
// applies one Thresholds value to every project; there is no per-project
// override.
type Thresholds struct {
	WarningUsageRate  float64 // default 0.80
	OverrunMultiplier float64 // default 1.10, applied to total for the predicted-cost check
}

// DefaultThresholds matches spec.md §4.7's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningUsageRate: 0.80, OverrunMultiplier: 1.10}
}

// Decision is the outcome of evaluating one cost event against a
// project's budget and progress.
type Decision struct {
	UsageRate        float64
	PredictedTotal   float64
	CostOverrunWarn  bool
	BudgetExceeded   bool
	Downgrade        bool
	NewQualityTier   models.QualityTier
}

// Evaluate is the pure decision core: given the budget state after a
// cost increment has already been applied, and the project's progress
// and current quality tier, it decides which events should fire and
// whether the quality tier should downgrade.
func Evaluate(b models.Budget, progress Progress, currentTier models.QualityTier, th Thresholds) Decision {
	d := Decision{NewQualityTier: currentTier}

	if b.Total > 0 {
		d.UsageRate = b.Spent / b.Total
	}

	fraction := progress.Fraction()
	if fraction > 0 {
		d.PredictedTotal = b.Spent / fraction
	} else {
		d.PredictedTotal = b.Total
	}

	if d.UsageRate >= th.WarningUsageRate {
		d.CostOverrunWarn = true
	}
	if b.Spent > b.Total {
		d.BudgetExceeded = true
	}
	if th.OverrunMultiplier > 0 && b.Total > 0 && d.PredictedTotal > b.Total*th.OverrunMultiplier {
		d.CostOverrunWarn = true
	}

	if d.CostOverrunWarn {
		d.NewQualityTier, d.Downgrade = downgrade(currentTier)
	}

	return d
}

func downgrade(tier models.QualityTier) (models.QualityTier, bool) {
	switch tier {
	case models.QualityHigh:
		return models.QualityBalanced, true
	case models.QualityBalanced:
		return models.QualityFast, true
	default:
		return tier, false
	}
}

// StatusOf reports a read-side label for a budget's current health,
// supplementing spec.md's thresholds with the original implementation's
// four-tier status used for dashboards and CLI output.
func StatusOf(b models.Budget) Status {
	if b.Total <= 0 {
		return StatusHealthy
	}
	ratio := b.Spent / b.Total
	switch {
	case ratio >= 1.0:
		return StatusCritical
	case ratio >= 0.80:
		return StatusWarning
	case ratio >= 0.50:
		return StatusCaution
	default:
		return StatusHealthy
	}
}

// Allocate computes a project's total budget on PROJECT_CREATED, per
// spec.md §4.7: total = duration_seconds × base_rate × quality_multiplier.
func Allocate(durationSeconds float64, tier models.QualityTier, baseRate float64, multipliers map[string]float64) float64 {
	multiplier, ok := multipliers[string(tier)]
	if !ok {
		multiplier = 1.0
	}
	return durationSeconds * baseRate * multiplier
}
