package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcraft/orchestrator/pkg/models"
)

type tempErr struct{ msg string }

func (e tempErr) Error() string   { return e.msg }
func (e tempErr) Temporary() bool { return true }

type recordingAgent struct {
	name    string
	events  []string
	calls   int
	failN   int // fail the first failN calls
	failErr error
	mu      sync.Mutex
}

func (a *recordingAgent) Name() string              { return a.name }
func (a *recordingAgent) SubscribedEvents() []string { return a.events }

func (a *recordingAgent) HandleEvent(ctx context.Context, event models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failN {
		return a.failErr
	}
	return nil
}

func fastRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestDispatchSucceedsOnFirstTry(t *testing.T) {
	a := &recordingAgent{name: "scribe", events: []string{"SCENE_WRITTEN"}}
	rt := New(nil, nil, nil, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SCENE_WRITTEN", ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.calls)
}

func TestDispatchRetriesTransientErrorThenSucceeds(t *testing.T) {
	a := &recordingAgent{name: "scribe", events: []string{"SCENE_WRITTEN"}, failN: 2, failErr: tempErr{"timeout"}}
	rt := New(nil, nil, nil, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SCENE_WRITTEN", ID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 3, a.calls)
}

func TestDispatchEscalatesAfterRetriesExhausted(t *testing.T) {
	a := &recordingAgent{name: "scribe", events: []string{"SCENE_WRITTEN"}, failN: 100, failErr: tempErr{"timeout"}}

	var escalated ErrorContext
	esc := escalatorFunc(func(ctx context.Context, event models.Event, ec ErrorContext) error {
		escalated = ec
		return nil
	})

	rt := New(nil, nil, esc, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SCENE_WRITTEN", ID: "e1"})
	require.Error(t, err)
	assert.Equal(t, "e1", escalated.EventID)
	assert.Equal(t, 3, escalated.RetryCount)
}

func TestDispatchUsesFallbackForBudgetErrors(t *testing.T) {
	a := &recordingAgent{name: "planner", events: []string{"SHOT_PLANNED"}, failN: 100, failErr: ErrBudgetExhausted(errors.New("over budget"))}

	fallbackCalled := false
	fallback := func(ctx context.Context, event models.Event, cause error) error {
		fallbackCalled = true
		return nil
	}

	rt := New(nil, fallback, nil, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SHOT_PLANNED", ID: "e2"})
	require.NoError(t, err)
	assert.True(t, fallbackCalled)
}

func TestDispatchFallbackFailureStillEscalates(t *testing.T) {
	a := &recordingAgent{name: "planner", events: []string{"SHOT_PLANNED"}, failN: 100, failErr: ErrBudgetExhausted(errors.New("over budget"))}

	fallback := func(ctx context.Context, event models.Event, cause error) error {
		return errors.New("fallback also failed")
	}

	escalateCalled := false
	esc := escalatorFunc(func(ctx context.Context, event models.Event, ec ErrorContext) error {
		escalateCalled = true
		return nil
	})

	rt := New(nil, fallback, esc, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SHOT_PLANNED", ID: "e3"})
	require.Error(t, err)
	assert.True(t, escalateCalled)
}

func TestDispatchFatalErrorSkipsRetryAndEscalatesImmediately(t *testing.T) {
	a := &recordingAgent{name: "scribe", events: []string{"SCENE_WRITTEN"}, failN: 100, failErr: errors.New("permanent failure")}

	esc := escalatorFunc(func(ctx context.Context, event models.Event, ec ErrorContext) error {
		return nil
	})

	rt := New(nil, nil, esc, fastRecoveryConfig())
	rt.Register(a)

	err := rt.Dispatch(context.Background(), models.Event{Type: "SCENE_WRITTEN", ID: "e4"})
	require.Error(t, err)
	assert.Equal(t, 1, a.calls, "fatal errors must not be retried")
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, KindTransient, DefaultClassifier(tempErr{"x"}))
	assert.Equal(t, KindBudgetExhausted, DefaultClassifier(ErrBudgetExhausted(errors.New("x"))))
	assert.Equal(t, KindFatal, DefaultClassifier(errors.New("x")))
}

func TestMarshalErrorContext(t *testing.T) {
	raw, err := MarshalErrorContext(ErrorContext{EventID: "e1", EventType: "X", ErrMessage: "boom", RetryCount: 2})
	require.NoError(t, err)

	var decoded ErrorContext
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "e1", decoded.EventID)
	assert.Equal(t, 2, decoded.RetryCount)
}

type escalatorFunc func(ctx context.Context, event models.Event, ec ErrorContext) error

func (f escalatorFunc) Escalate(ctx context.Context, event models.Event, ec ErrorContext) error {
	return f(ctx, event, ec)
}
