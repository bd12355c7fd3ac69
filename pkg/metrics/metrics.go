// Package metrics exposes the orchestrator's Prometheus instrumentation:
// scheduler activity, task transitions, budget usage, and approval
// backlog. Registered against a caller-supplied registry so tests and
// multiple orchestrator instances in one process never collide on the
// default global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/scheduler"
)

const namespace = "orchestrator"

// Metrics bundles every collector the orchestrator publishes.
type Metrics struct {
	ActiveProjects     prometheus.Gauge
	TasksDispatched    prometheus.Counter
	TaskTransitions    *prometheus.CounterVec
	BudgetUsageRatio   *prometheus.GaugeVec
	ApprovalsPending   prometheus.Gauge
	LockContentions    prometheus.Counter
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveProjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_projects",
			Help:      "Number of projects with a running scheduler loop.",
		}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_tasks_dispatched_total",
			Help:      "Total tasks handed off to an agent.",
		}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state machine transitions, labeled by destination status.",
		}, []string{"status"}),
		BudgetUsageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_usage_ratio",
			Help:      "spent/total for a project's budget.",
		}, []string{"project_id"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Number of approval requests currently awaiting a decision.",
		}),
		LockContentions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contentions_total",
			Help:      "Total failed lock acquisitions due to contention.",
		}),
	}

	reg.MustRegister(
		m.ActiveProjects,
		m.TasksDispatched,
		m.TaskTransitions,
		m.BudgetUsageRatio,
		m.ApprovalsPending,
		m.LockContentions,
	)
	return m
}

// ObserveSchedulerHealth sets the active-projects gauge from a
// scheduler.Health snapshot and adds its last-tick dispatch count to the
// dispatched-tasks counter.
func (m *Metrics) ObserveSchedulerHealth(h scheduler.Health) {
	m.ActiveProjects.Set(float64(h.ActiveProjects))
	m.TasksDispatched.Add(float64(h.DispatchedLastTick))
}

// RecordTransition increments the transition counter for a destination
// status.
func (m *Metrics) RecordTransition(status models.TaskStatus) {
	m.TaskTransitions.WithLabelValues(string(status)).Inc()
}

// SetBudgetUsage records a project's current spend/total ratio.
func (m *Metrics) SetBudgetUsage(projectID string, b models.Budget) {
	if b.Total <= 0 {
		m.BudgetUsageRatio.WithLabelValues(projectID).Set(0)
		return
	}
	m.BudgetUsageRatio.WithLabelValues(projectID).Set(b.Spent / b.Total)
}

// SetApprovalsPending records the current pending-approval backlog size.
func (m *Metrics) SetApprovalsPending(n int) {
	m.ApprovalsPending.Set(float64(n))
}

// RecordLockContention increments the contention counter.
func (m *Metrics) RecordLockContention() {
	m.LockContentions.Inc()
}
