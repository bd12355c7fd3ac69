package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reelcraft/orchestrator/pkg/approval"
	"github.com/reelcraft/orchestrator/pkg/blackboard"
	"github.com/reelcraft/orchestrator/pkg/budget"
	"github.com/reelcraft/orchestrator/pkg/bus"
	"github.com/reelcraft/orchestrator/pkg/database"
	"github.com/reelcraft/orchestrator/pkg/eventlog"
	"github.com/reelcraft/orchestrator/pkg/models"
)

func newTestCore(t *testing.T) *Core {
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgContainer) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbClient, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test",
		SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbClient.Close() })

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisContainer.Terminate(ctx) })
	uri, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	store := blackboard.New(dbClient.DB(), rdb, time.Hour)
	log := eventlog.New(rdb, eventlog.Config{
		StreamMaxLen:  1000,
		ConsumerGroup: "core-test",
		ReadBlock:     200 * time.Millisecond,
		ReadCount:     16,
	})
	b := bus.New(log, "pod-test", 1000)

	budgetAdapter := budget.New(store, b, budget.DefaultThresholds(), 3)
	approvalMgr := approval.New(store, b, rdb, approval.Config{})

	return New(Deps{
		Store:    store,
		Bus:      b,
		Budget:   budgetAdapter,
		Approval: approvalMgr,
		BaseRate: 3.0,
		QualityMultipliers: map[string]float64{
			"high": 1.5, "balanced": 1.0, "fast": 0.6,
		},
	})
}

func TestCreateProjectAllocatesBudgetAndPublishes(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	spec := json.RawMessage(`{"duration_seconds": 100, "quality_tier": "balanced"}`)
	projectID, err := c.CreateProject(ctx, CreateProjectInput{GlobalSpec: spec})
	require.NoError(t, err)
	require.NotEmpty(t, projectID)

	p, err := c.GetProjectState(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, p.Status)
	assert.Equal(t, 300.0, p.Budget.Total)
}

func TestCreateProjectHonorsExplicitBudgetTotal(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	explicit := 500.0
	spec := json.RawMessage(`{"quality_tier": "high"}`)
	projectID, err := c.CreateProject(ctx, CreateProjectInput{GlobalSpec: spec, BudgetTotal: &explicit})
	require.NoError(t, err)

	p, err := c.GetProjectState(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, p.Budget.Total)
}

func TestCancelProjectTransitionsStatus(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	spec := json.RawMessage(`{"quality_tier": "fast"}`)
	explicit := 10.0
	projectID, err := c.CreateProject(ctx, CreateProjectInput{GlobalSpec: spec, BudgetTotal: &explicit})
	require.NoError(t, err)

	require.NoError(t, c.CancelProject(ctx, projectID))

	p, err := c.GetProjectState(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCancelled, p.Status)
}

func TestSubmitEventAssignsIDAndReplayReturnsIt(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	explicit := 10.0
	projectID, err := c.CreateProject(ctx, CreateProjectInput{GlobalSpec: json.RawMessage(`{}`), BudgetTotal: &explicit})
	require.NoError(t, err)

	eventID, err := c.SubmitEvent(ctx, models.Event{Type: "SCENE_WRITTEN", ProjectID: projectID, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	events, err := c.ReplayEvents(ctx, ReplayInput{ProjectID: projectID, EventTypes: []string{"SCENE_WRITTEN"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventID, events[0].ID)
}

func TestDecideApprovalResolvesRequest(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	explicit := 10.0
	projectID, err := c.CreateProject(ctx, CreateProjectInput{GlobalSpec: json.RawMessage(`{}`), BudgetTotal: &explicit})
	require.NoError(t, err)

	a, err := c.approval.Intercept(ctx, projectID, "SCENE_WRITTEN", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, c.DecideApproval(ctx, a.ID, "approve", ""))
}
