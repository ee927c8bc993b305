package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perdura/perdura/pkg/eventbus"
	"github.com/perdura/perdura/pkg/events"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// Context binds one replay pass of an execution to the store and bus.
//
// Internal step ids for Sleep, Emit and positional WaitForSignal calls are
// derived from call-order indexes within one pass. Refactoring call sites
// between releases can therefore desynchronize in-flight executions unless
// an explicit stable id is supplied (WaitOptions.ID). This trades strict
// safety for ergonomics on purpose.
type Context struct {
	executionID string
	store       store.Store
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	retry       RetryPolicy

	indexes       map[string]int
	compensations []compensation
}

type compensation struct {
	stepID string
	down   func(ctx context.Context) error
}

type ContextOption func(*Context)

func WithBus(bus eventbus.EventPublisher) ContextOption {
	return func(c *Context) { c.bus = bus }
}

func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

func WithRetryPolicy(policy RetryPolicy) ContextOption {
	return func(c *Context) { c.retry = policy }
}

func NewContext(executionID string, st store.Store, opts ...ContextOption) *Context {
	c := &Context{
		executionID: executionID,
		store:       st,
		logger:      slog.Default().With("module", "durable", "execution_id", executionID),
		retry:       DefaultRetryPolicy(),
		indexes:     make(map[string]int),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Context) ExecutionID() string {
	return c.executionID
}

// nextIndex assigns call-order indexes per id prefix within this pass.
func (c *Context) nextIndex(prefix string) int {
	index := c.indexes[prefix]
	c.indexes[prefix]++

	return index
}

// checkpoint is the cooperative cancellation point: every context operation
// reloads the execution and refuses to proceed once it is cancelled.
func (c *Context) checkpoint(ctx context.Context) error {
	execution, err := c.store.Execution(ctx, c.executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution at checkpoint: %w", err)
	}

	if execution.Status == models.ExecutionCancelled {
		return ErrCancelled
	}

	return nil
}

// Step memoizes a side-effecting function: across any number of replays the
// function runs at most once for a given id. Failures are retried per the
// context's step retry policy before propagating.
func (c *Context) Step(ctx context.Context, id string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := validateStepID(id); err != nil {
		return nil, err
	}

	return c.step(ctx, id, fn)
}

// Compensable is Step plus registration of a down action for Rollback.
// Registration order follows successful up completion, replayed or fresh.
func (c *Context) Compensable(ctx context.Context, id string, up func(ctx context.Context) (any, error), down func(ctx context.Context) error) (any, error) {
	value, err := c.Step(ctx, id, up)
	if err != nil {
		return nil, err
	}

	c.compensations = append(c.compensations, compensation{stepID: id, down: down})

	return value, nil
}

func (c *Context) step(ctx context.Context, id string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}

	cached, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		return cached.Value, nil
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return nil, fmt.Errorf("failed to look up step %s: %w", id, err)
	}

	var lastErr error

	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return c.persistStep(ctx, id, value)
		}

		lastErr = err
		c.logger.WarnContext(ctx, "Step attempt failed", "step_id", id, "attempt", attempt, "error", err)

		if attempt < c.retry.Attempts {
			select {
			case <-time.After(c.retry.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("step %s failed after %d attempts: %w", id, c.retry.Attempts, lastErr)
}

func (c *Context) persistStep(ctx context.Context, id string, value any) (any, error) {
	stored, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, id, value))
	if err != nil {
		return nil, fmt.Errorf("failed to persist step %s: %w", id, err)
	}

	c.audit(ctx, models.AuditCheckpoint, id, nil)

	return stored.Value, nil
}

// Sleep persists a sleep timer and suspends. On replay after the timer
// fired it returns immediately without creating a second timer; the poller
// resolves the timer by writing the sleep step's result.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	id := fmt.Sprintf("__sleep:%d", c.nextIndex("__sleep"))

	if err := c.checkpoint(ctx); err != nil {
		return err
	}

	_, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		return nil
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return fmt.Errorf("failed to look up sleep step %s: %w", id, err)
	}

	// A pending timer means an earlier pass already parked here; an early
	// resume (Recover, duplicate delivery) must not double the timer.
	_, err = c.store.TimerForStep(ctx, c.executionID, id)
	if err == nil {
		return c.suspend(ctx)
	}

	if !errors.Is(err, store.ErrTimerNotFound) {
		return fmt.Errorf("failed to look up sleep timer for %s: %w", id, err)
	}

	timer := models.NewExecutionTimer(c.executionID, id, models.TimerSleep, time.Now().UTC().Add(d))
	if err := c.store.SaveTimer(ctx, timer); err != nil {
		return fmt.Errorf("failed to persist sleep timer: %w", err)
	}

	return c.suspend(ctx)
}

// suspend parks the execution and returns ErrSuspended for the workflow
// function to propagate.
func (c *Context) suspend(ctx context.Context) error {
	_, err := c.store.UpdateExecution(ctx, c.executionID, func(execution *models.Execution) error {
		if !execution.Status.Terminal() {
			execution.Status = models.ExecutionSleeping
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to park execution: %w", err)
	}

	return ErrSuspended
}

// Emit publishes a user event on the bus, de-duplicated across replays via
// an internal step. Best-effort: publish failures are logged, never fatal.
func (c *Context) Emit(ctx context.Context, event string, payload any) error {
	id := fmt.Sprintf("__emit:%s:%d", event, c.nextIndex("__emit:"+event))

	if err := c.checkpoint(ctx); err != nil {
		return err
	}

	_, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		return nil
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return fmt.Errorf("failed to look up emit step %s: %w", id, err)
	}

	if c.bus != nil {
		emitted := events.ExecutionEmitted{
			BaseEvent: events.NewBaseEvent(events.ExecutionEmittedEvent, c.executionID),
			Event:     event,
			Payload:   payload,
		}

		if err := c.bus.Publish(ctx, c.executionID, emitted); err != nil {
			c.logger.WarnContext(ctx, "Failed to publish emit event", "event", event, "error", err)
		}
	}

	if _, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, id, payload)); err != nil {
		return fmt.Errorf("failed to persist emit step %s: %w", id, err)
	}

	return nil
}

// Note appends a replay-safe audit annotation, itself memoized as a step.
func (c *Context) Note(ctx context.Context, label string, data any) error {
	id := fmt.Sprintf("__note:%s:%d", label, c.nextIndex("__note:"+label))

	if err := c.checkpoint(ctx); err != nil {
		return err
	}

	_, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		return nil
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return fmt.Errorf("failed to look up note step %s: %w", id, err)
	}

	c.audit(ctx, models.AuditNote, label, data)

	if _, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, id, data)); err != nil {
		return fmt.Errorf("failed to persist note step %s: %w", id, err)
	}

	return nil
}

func (c *Context) audit(ctx context.Context, kind, label string, data any) {
	if err := c.store.AppendAudit(ctx, models.NewAuditEntry(c.executionID, kind, label, data)); err != nil {
		c.logger.WarnContext(ctx, "Failed to append audit entry", "kind", kind, "label", label, "error", err)
	}
}
