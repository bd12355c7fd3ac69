// Package scheduler runs one dispatch loop per active project: on each
// tick it promotes PENDING tasks whose dependencies are satisfied to
// READY, attempts
// a non-blocking lock acquisition for tasks that need exclusive access to
// a shared resource, dispatches runnable tasks to their agent, and fails
// any task that has been RUNNING past its timeout.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelcraft/orchestrator/pkg/lock"
	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/task"
)

// Dispatcher hands a runnable task off to the agent registered for its
// AgentName. Implemented by pkg/agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, t models.Task) error
}

// PauseChecker reports whether a project is currently paused at an
// approval checkpoint. Implemented by pkg/approval.Manager.
type PauseChecker interface {
	IsPaused(ctx context.Context, projectID string) (bool, error)
}

// Store is the subset of blackboard.Store the scheduler needs, narrowed
// so tests can fake it without a live Postgres instance.
type Store interface {
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	ListActiveProjectIDs(ctx context.Context) ([]string, error)
	ListTasks(ctx context.Context, projectID string) ([]models.Task, error)
	UpdateTask(ctx context.Context, t models.Task) error
}

// Config controls tick cadence and default timeouts.
type Config struct {
	TickInterval       time.Duration
	DefaultTaskTimeout time.Duration
	OrphanScanInterval time.Duration
}

// Health is a point-in-time snapshot of scheduler activity, scraped by
// pkg/metrics.
type Health struct {
	ActiveProjects      int
	DispatchedLastTick  int
	LastTickAt          time.Time
}

// Scheduler runs one loop per active project plus a background orphan
// scan that starts loops for projects it did not already know about.
type Scheduler struct {
	store      Store
	locker     *lock.Lock
	dispatcher Dispatcher
	pauses     PauseChecker
	cfg        Config

	mu       sync.Mutex
	stopScan context.CancelFunc
	running  map[string]context.CancelFunc
	wg       sync.WaitGroup
	health   Health
	healthMu sync.Mutex
}

// New builds a Scheduler. locker may be nil if no task in the deployment
// ever sets RequiresLock. pauses may be nil if approval checkpoints are
// never used, in which case no project is ever treated as paused.
func New(store Store, locker *lock.Lock, dispatcher Dispatcher, pauses PauseChecker, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 300 * time.Second
	}
	if cfg.OrphanScanInterval <= 0 {
		cfg.OrphanScanInterval = 30 * time.Second
	}
	return &Scheduler{
		store:      store,
		locker:     locker,
		dispatcher: dispatcher,
		pauses:     pauses,
		cfg:        cfg,
		running:    make(map[string]context.CancelFunc),
	}
}

// Start launches the orphan scanner, which starts a per-project loop for
// every active project it discovers, including ones created after Start
// was called.
func (s *Scheduler) Start(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopScan = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go s.scanLoop(scanCtx)
}

// Stop cancels the orphan scanner and every running project loop and
// waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopScan != nil {
		s.stopScan()
	}
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.OrphanScanInterval)
	defer ticker.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	ids, err := s.store.ListActiveProjectIDs(ctx)
	if err != nil {
		slog.Error("scheduler: failed to list active projects", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
		if _, ok := s.running[id]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.running[id] = cancel
		s.wg.Add(1)
		go s.runProjectLoop(loopCtx, id)
	}

	for id, cancel := range s.running {
		if !active[id] {
			cancel()
			delete(s.running, id)
		}
	}

	s.healthMu.Lock()
	s.health.ActiveProjects = len(s.running)
	s.healthMu.Unlock()
}

// Run executes a single project's dispatch loop until ctx is cancelled.
// Exported so it can be driven directly in tests without the scanner.
func (s *Scheduler) Run(ctx context.Context, projectID string) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx, projectID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runProjectLoop(ctx context.Context, projectID string) {
	defer s.wg.Done()
	s.Run(ctx, projectID)
}

func (s *Scheduler) tick(ctx context.Context, projectID string) {
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		slog.Error("scheduler: failed to list tasks", "project_id", projectID, "error", err)
		return
	}

	paused, err := s.isPaused(ctx, projectID)
	if err != nil {
		slog.Error("scheduler: failed to check approval pause", "project_id", projectID, "error", err)
	}

	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == models.TaskCompleted {
			completed[t.ID] = true
		}
	}

	dispatched := 0
	now := time.Now().UTC()
	for _, t := range tasks {
		switch t.Status {
		case models.TaskPending:
			if task.DependenciesSatisfied(t.DependsOn, completed) {
				s.promote(ctx, t, now)
			}
		case models.TaskReady:
			if paused {
				continue
			}
			if s.tryDispatch(ctx, t, now) {
				dispatched++
			}
		case models.TaskRunning:
			s.checkTimeout(ctx, t, now)
		}
	}

	s.healthMu.Lock()
	s.health.DispatchedLastTick = dispatched
	s.health.LastTickAt = now
	s.healthMu.Unlock()
}

// isPaused reports whether projectID is paused at an approval checkpoint.
// While paused, the scheduler must not transition any of its tasks to
// RUNNING. A nil PauseChecker (no approval manager configured) means no
// project is ever paused.
func (s *Scheduler) isPaused(ctx context.Context, projectID string) (bool, error) {
	if s.pauses == nil {
		return false, nil
	}
	return s.pauses.IsPaused(ctx, projectID)
}

func (s *Scheduler) promote(ctx context.Context, t models.Task, now time.Time) {
	if err := task.Transition(&t, models.TaskReady, "", now); err != nil {
		slog.Error("scheduler: illegal promotion", "task_id", t.ID, "error", err)
		return
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		slog.Error("scheduler: failed to persist promotion", "task_id", t.ID, "error", err)
	}
}

func (s *Scheduler) tryDispatch(ctx context.Context, t models.Task, now time.Time) bool {
	if t.RequiresLock != "" {
		if s.locker == nil {
			return false
		}
		token, err := s.locker.Acquire(ctx, t.RequiresLock, s.cfg.DefaultTaskTimeout)
		if err != nil {
			// Resource is busy; try again next tick rather than blocking
			// the whole project loop.
			return false
		}
		// The token is not kept: nothing releases this lock, which stays
		// held until its lease (DefaultTaskTimeout) expires.
		_ = token
	}

	if err := task.Transition(&t, models.TaskRunning, "", now); err != nil {
		slog.Error("scheduler: illegal dispatch transition", "task_id", t.ID, "error", err)
		return false
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		slog.Error("scheduler: failed to persist dispatch", "task_id", t.ID, "error", err)
		return false
	}

	if err := s.dispatcher.Dispatch(ctx, t); err != nil {
		slog.Error("scheduler: dispatch failed", "task_id", t.ID, "agent", t.AgentName, "error", err)
	}
	return true
}

func (s *Scheduler) checkTimeout(ctx context.Context, t models.Task, now time.Time) {
	if t.StartedAt == nil {
		return
	}
	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	if now.Sub(*t.StartedAt) < timeout {
		return
	}

	if err := task.Transition(&t, models.TaskFailed, "timeout", now); err != nil {
		slog.Error("scheduler: illegal timeout transition", "task_id", t.ID, "error", err)
		return
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		slog.Error("scheduler: failed to persist timeout", "task_id", t.ID, "error", err)
	}
}

// Health returns a snapshot of the scheduler's current activity.
func (s *Scheduler) Health() Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}
