package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/reelcraft/orchestrator/pkg/models"
)

type fakeStore struct {
	mu        sync.Mutex
	projects  map[string]*models.Project
	approvals map[string]models.ApprovalRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: map[string]*models.Project{}, approvals: map[string]models.ApprovalRequest{}}
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[projectID]
	cp := *p
	return &cp, nil
}

func (f *fakeStore) Update(ctx context.Context, projectID string, fn func(p *models.Project) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[projectID]
	return fn(p)
}

func (f *fakeStore) CreateApproval(ctx context.Context, a models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeStore) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals[id], nil
}

func (f *fakeStore) UpdateApproval(ctx context.Context, a models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeStore) ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ApprovalRequest
	for _, a := range f.approvals {
		if a.Status == models.ApprovalPending {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakePublisher) Publish(ctx context.Context, event models.Event) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestManager(t *testing.T, store Store, cfg Config) *Manager {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	return New(store, &fakePublisher{}, rdb, cfg)
}

func TestShouldInterceptRespectsAutoMode(t *testing.T) {
	p := &models.Project{AutoMode: true, GlobalSpec: []byte(`{}`)}
	assert.False(t, ShouldIntercept(p, "SCENE_WRITTEN", []string{"SCENE_WRITTEN"}))
}

func TestShouldInterceptUsesDefaultCheckpoints(t *testing.T) {
	p := &models.Project{AutoMode: false, GlobalSpec: []byte(`{}`)}
	assert.True(t, ShouldIntercept(p, "SCENE_WRITTEN", []string{"SCENE_WRITTEN", "SHOT_PLANNED"}))
	assert.False(t, ShouldIntercept(p, "MUSIC_COMPOSED", []string{"SCENE_WRITTEN", "SHOT_PLANNED"}))
}

func TestShouldInterceptHonorsProjectOverride(t *testing.T) {
	spec := []byte(`{"user_options":{"approval_checkpoints":["FINAL_VIDEO_READY"]}}`)
	p := &models.Project{AutoMode: false, GlobalSpec: spec}
	assert.True(t, ShouldIntercept(p, "FINAL_VIDEO_READY", []string{"SCENE_WRITTEN"}))
	assert.False(t, ShouldIntercept(p, "SCENE_WRITTEN", []string{"SCENE_WRITTEN"}))
}

func TestRouteForStage(t *testing.T) {
	agent, ok := RouteForStage("SCENE_WRITTEN")
	require.True(t, ok)
	assert.Equal(t, "script_writer", agent)

	agent, ok = RouteForStage("PREVIEW_VIDEO_READY")
	require.True(t, ok)
	assert.Equal(t, "video_generator", agent)

	_, ok = RouteForStage("UNKNOWN_STAGE")
	assert.False(t, ok)
}

func TestInterceptCreatesPendingApprovalAndPausesProject(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-1"] = &models.Project{ID: "proj-1", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{})
	ctx := context.Background()

	a, err := mgr.Intercept(ctx, "proj-1", "SCENE_WRITTEN", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, a.Status)

	paused, err := mgr.IsPaused(ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestDecideApprovePublishesAndUnpauses(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-2"] = &models.Project{ID: "proj-2", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{})
	ctx := context.Background()

	a, err := mgr.Intercept(ctx, "proj-2", "SHOT_PLANNED", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, mgr.Decide(ctx, a.ID, "approve", ""))

	paused, err := mgr.IsPaused(ctx, "proj-2")
	require.NoError(t, err)
	assert.False(t, paused)

	got, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, got.Status)
}

func TestDecideRejectFailsProject(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-3"] = &models.Project{ID: "proj-3", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{})
	ctx := context.Background()

	a, err := mgr.Intercept(ctx, "proj-3", "FINAL_VIDEO_READY", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, mgr.Decide(ctx, a.ID, "reject", ""))

	assert.Equal(t, models.ProjectStatusFailed, store.projects["proj-3"].Status)
}

func TestDecideReviseKeepsProjectPausedAndRoutesAgent(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-4"] = &models.Project{ID: "proj-4", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{})
	ctx := context.Background()

	a, err := mgr.Intercept(ctx, "proj-4", "SCENE_WRITTEN", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, mgr.Decide(ctx, a.ID, "revise", "more drama please"))

	paused, err := mgr.IsPaused(ctx, "proj-4")
	require.NoError(t, err)
	assert.True(t, paused, "project stays paused pending the revision")

	got, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRevision, got.Status)
}

func TestHandleEventInterceptsConfiguredCheckpoint(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-6"] = &models.Project{ID: "proj-6", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{DefaultCheckpoints: []string{"SCENE_WRITTEN"}})
	ctx := context.Background()

	require.NoError(t, mgr.HandleEvent(ctx, models.Event{Type: "SCENE_WRITTEN", ProjectID: "proj-6", Payload: json.RawMessage(`{}`)}))

	paused, err := mgr.IsPaused(ctx, "proj-6")
	require.NoError(t, err)
	assert.True(t, paused)

	pending, err := store.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SCENE_WRITTEN", pending[0].Stage)
}

func TestHandleEventIgnoresNonCheckpointEvent(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-7"] = &models.Project{ID: "proj-7", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{DefaultCheckpoints: []string{"SCENE_WRITTEN"}})
	ctx := context.Background()

	require.NoError(t, mgr.HandleEvent(ctx, models.Event{Type: "IMAGE_GENERATED", ProjectID: "proj-7", Payload: json.RawMessage(`{}`)}))

	paused, err := mgr.IsPaused(ctx, "proj-7")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestHandleEventRespectsAutoMode(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-8"] = &models.Project{ID: "proj-8", Status: models.ProjectStatusActive, AutoMode: true, GlobalSpec: []byte(`{}`)}

	mgr := newTestManager(t, store, Config{DefaultCheckpoints: []string{"SCENE_WRITTEN"}})
	ctx := context.Background()

	require.NoError(t, mgr.HandleEvent(ctx, models.Event{Type: "SCENE_WRITTEN", ProjectID: "proj-8", Payload: json.RawMessage(`{}`)}))

	paused, err := mgr.IsPaused(ctx, "proj-8")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestSubscribedEventsReturnsConfiguredCheckpoints(t *testing.T) {
	mgr := New(newFakeStore(), &fakePublisher{}, nil, Config{DefaultCheckpoints: []string{"SCENE_WRITTEN", "SHOT_PLANNED"}})
	assert.Equal(t, []string{"SCENE_WRITTEN", "SHOT_PLANNED"}, mgr.SubscribedEvents())
	assert.Equal(t, "approval_manager", mgr.Name())
}

func TestSweepTimesOutPastDeadlineAndDefaultsToReject(t *testing.T) {
	store := newFakeStore()
	store.projects["proj-5"] = &models.Project{ID: "proj-5", Status: models.ProjectStatusActive, GlobalSpec: []byte(`{}`)}
	store.approvals["ap-1"] = models.ApprovalRequest{
		ID: "ap-1", ProjectID: "proj-5", Stage: "SCENE_WRITTEN", Status: models.ApprovalPending,
		TimeoutMinutes: 1, CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}

	mgr := newTestManager(t, store, Config{TimeoutBehavior: TimeoutReject})
	mgr.sweepOnce(context.Background())

	got, err := store.GetApproval(context.Background(), "ap-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalTimedOut, got.Status)
	assert.Equal(t, models.ProjectStatusFailed, store.projects["proj-5"].Status)
}
