// Package agent defines the Agent contract and the runtime that wraps
// every dispatch with three-level error recovery: retry with backoff,
// fallback/degrade, and escalate to a human approval gate.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reelcraft/orchestrator/pkg/models"
)

// Agent is any long-lived participant that subscribes to one or more
// event types and handles them. HandleEvent must be idempotent on
// event.ID: the bus may redeliver on consumer-group recovery.
type Agent interface {
	Name() string
	SubscribedEvents() []string
	HandleEvent(ctx context.Context, event models.Event) error
}

// ErrorKind classifies a handler error for the recovery ladder.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindBudgetExhausted
	KindFatal
)

// Classifier maps a handler error to an ErrorKind. The default classifier
// treats an exceeded context deadline and any error implementing a
// Temporary() bool method as transient, errBudgetExhausted as budget
// related, and everything else as fatal.
type Classifier func(err error) ErrorKind

var errBudgetExhausted = errors.New("agent: budget exhausted")

// ErrBudgetExhausted wraps err so DefaultClassifier routes it to the
// fallback path.
func ErrBudgetExhausted(err error) error {
	return fmt.Errorf("%w: %v", errBudgetExhausted, err)
}

type temporary interface {
	Temporary() bool
}

// DefaultClassifier is spec.md §4.9's default: network/timeout/rate-limit
// style errors are transient, budget errors use the fallback path, and
// anything else escalates straight to a human gate.
func DefaultClassifier(err error) ErrorKind {
	if errors.Is(err, errBudgetExhausted) {
		return KindBudgetExhausted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return KindTransient
	}
	return KindFatal
}

// Fallback invokes a graceful-degradation path for budget-related
// errors, publishing whatever recovery event it sees fit.
type Fallback func(ctx context.Context, event models.Event, cause error) error

// Escalator creates a human-gate approval request with error context and
// pauses the offending project.
type Escalator interface {
	Escalate(ctx context.Context, event models.Event, errCtx ErrorContext) error
}

// ErrorContext is recorded on the escalation approval request.
type ErrorContext struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	ErrMessage string `json:"error_message"`
	RetryCount int    `json:"retry_count"`
}

// RecoveryConfig tunes the retry ladder.
type RecoveryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Runtime dispatches events to registered agents and wraps each call
// with the three-level recovery ladder.
type Runtime struct {
	agents     map[string][]Agent
	classifier Classifier
	fallback   Fallback
	escalator  Escalator
	cfg        RecoveryConfig
}

// New builds a Runtime. fallback and escalator may be nil; a nil
// fallback simply skips straight to escalation on a budget-classified
// error, and a nil escalator logs the escalation instead of creating an
// approval request (useful for tests that don't wire the full stack).
func New(classifier Classifier, fallback Fallback, escalator Escalator, cfg RecoveryConfig) *Runtime {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	return &Runtime{
		agents:     make(map[string][]Agent),
		classifier: classifier,
		fallback:   fallback,
		escalator:  escalator,
		cfg:        cfg,
	}
}

// Register subscribes an agent to every event type it declares.
func (r *Runtime) Register(a Agent) {
	for _, eventType := range a.SubscribedEvents() {
		r.agents[eventType] = append(r.agents[eventType], a)
	}
}

// Dispatch routes event to every agent subscribed to its type, applying
// the recovery ladder independently per agent so one agent's escalation
// does not block another's handling of the same event.
func (r *Runtime) Dispatch(ctx context.Context, event models.Event) error {
	agents := r.agents[event.Type]
	if len(agents) == 0 {
		return nil
	}

	var firstErr error
	for _, a := range agents {
		if err := r.dispatchOne(ctx, a, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Runtime) dispatchOne(ctx context.Context, a Agent, event models.Event) error {
	attempts := 0
	var lastErr error

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock time
	bo := backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries))

	operation := func() error {
		attempts++
		err := a.HandleEvent(ctx, event)
		if err != nil {
			lastErr = err
			if r.classifier(err) == KindTransient {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation, bo)
	if err == nil {
		return nil
	}
	retryCount := attempts - 1

	kind := r.classifier(lastErr)
	if kind == KindBudgetExhausted && r.fallback != nil {
		if fbErr := r.fallback(ctx, event, lastErr); fbErr == nil {
			return nil
		} else {
			lastErr = fbErr
		}
	}

	return r.escalate(ctx, a, event, lastErr, retryCount)
}

func (r *Runtime) escalate(ctx context.Context, a Agent, event models.Event, cause error, retryCount int) error {
	errCtx := ErrorContext{
		EventID:    event.ID,
		EventType:  event.Type,
		ErrMessage: cause.Error(),
		RetryCount: retryCount,
	}

	if r.escalator == nil {
		slog.Error("agent: escalating with no escalator configured", "agent", a.Name(), "event_id", event.ID, "error", cause)
		return cause
	}

	if err := r.escalator.Escalate(ctx, event, errCtx); err != nil {
		return fmt.Errorf("agent: escalation failed for %s: %w (original: %v)", a.Name(), err, cause)
	}
	return cause
}

// MarshalErrorContext is a small convenience for callers building an
// ApprovalRequest.Context from an ErrorContext.
func MarshalErrorContext(ec ErrorContext) (json.RawMessage, error) {
	raw, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal error context: %w", err)
	}
	return raw, nil
}
