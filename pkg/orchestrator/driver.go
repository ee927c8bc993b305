package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/events"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// errTerminalRace aborts a status update that lost against a concurrent
// terminal transition.
var errTerminalRace = errors.New("execution already terminal")

// Execute drives one replay pass of an execution. Both execute and resume
// hints converge here: memoization makes them identical. The returned error
// is reserved for infrastructure failures (store/queue unreachable) so the
// caller can nack; domain outcomes are persisted and return nil.
func (o *Orchestrator) Execute(ctx context.Context, executionID string) error {
	execution, err := o.store.Execution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if execution.Status.Terminal() {
		return nil
	}

	if locker, ok := o.store.(store.ExecutionLocker); ok {
		acquired, err := locker.AcquireExecutionLock(ctx, executionID, o.config.WorkerID, o.config.LockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire execution lock: %w", err)
		}

		if !acquired {
			// Another worker is advancing this execution.
			return nil
		}

		defer func() {
			if err := locker.ReleaseExecutionLock(ctx, executionID, o.config.WorkerID); err != nil {
				o.logger.WarnContext(ctx, "Failed to release execution lock", "execution_id", executionID, "error", err)
			}
		}()
	}

	if deadline, ok := execution.Deadline(); ok && time.Now().UTC().After(deadline) {
		o.failExecution(ctx, executionID, &models.ExecutionError{Message: "execution timed out"})

		return nil
	}

	_, err = o.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return errTerminalRace
		}

		execution.Status = models.ExecutionRunning

		return nil
	})
	if errors.Is(err, errTerminalRace) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}

	contextOpts := []durable.ContextOption{
		durable.WithLogger(o.logger),
		durable.WithRetryPolicy(o.config.StepRetry),
	}
	if o.bus != nil {
		contextOpts = append(contextOpts, durable.WithBus(o.bus))
	}

	wctx := durable.NewContext(executionID, o.store, contextOpts...)

	result, runErr := o.runner.Run(ctx, execution, wctx)

	switch {
	case runErr == nil:
		o.completeExecution(ctx, executionID, result)

		return nil
	case errors.Is(runErr, durable.ErrSuspended):
		// The context already parked the execution and persisted its
		// wake-up state.
		return nil
	case errors.Is(runErr, durable.ErrCancelled):
		return nil
	default:
		return o.handleFailure(ctx, executionID, runErr)
	}
}

func (o *Orchestrator) completeExecution(ctx context.Context, executionID string, result any) {
	var changed bool

	_, err := o.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionCompleted
		execution.Result = result
		execution.CompletedAt = &now
		changed = true

		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to mark execution completed", "execution_id", executionID, "error", err)

		return
	}

	if changed {
		o.finish(ctx, executionID)
	}
}

// handleFailure applies the execution-level retry policy: retry with
// exponential backoff through a persisted retry timer while attempts
// remain, else record the terminal failure.
func (o *Orchestrator) handleFailure(ctx context.Context, executionID string, runErr error) error {
	execution, err := o.store.Execution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to reload execution after failure: %w", err)
	}

	// Rollback may already have moved the execution to compensation_failed.
	if execution.Status.Terminal() {
		o.finish(ctx, executionID)

		return nil
	}

	if execution.Attempt < execution.MaxAttempts {
		backoff := o.retryBackoff(execution.Attempt)

		_, err := o.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
			if execution.Status.Terminal() {
				return errTerminalRace
			}

			execution.Attempt++
			execution.Status = models.ExecutionRetrying
			execution.Error = &models.ExecutionError{Message: runErr.Error()}

			return nil
		})
		if errors.Is(err, errTerminalRace) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		timer := models.NewExecutionTimer(executionID, "", models.TimerRetry, time.Now().UTC().Add(backoff))
		if err := o.store.SaveTimer(ctx, timer); err != nil {
			return fmt.Errorf("failed to persist retry timer: %w", err)
		}

		o.logger.InfoContext(ctx, "Execution retry scheduled",
			"execution_id", executionID, "attempt", execution.Attempt+1, "backoff", backoff, "error", runErr)

		return nil
	}

	o.failExecution(ctx, executionID, &models.ExecutionError{Message: runErr.Error()})

	return nil
}

func (o *Orchestrator) retryBackoff(attempt int) time.Duration {
	backoff := o.config.RetryBackoff

	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= o.config.MaxRetryBackoff {
			return o.config.MaxRetryBackoff
		}
	}

	return backoff
}

func (o *Orchestrator) failExecution(ctx context.Context, executionID string, cause *models.ExecutionError) {
	var changed bool

	_, err := o.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionFailed
		execution.Error = cause
		execution.CompletedAt = &now
		changed = true

		return nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to mark execution failed", "execution_id", executionID, "error", err)

		return
	}

	if changed {
		o.finish(ctx, executionID)
	}
}

// finish publishes the terminal notification and wakes local waiters.
func (o *Orchestrator) finish(ctx context.Context, executionID string) {
	o.notifyWatchers(executionID)

	if o.bus == nil {
		return
	}

	execution, err := o.store.Execution(ctx, executionID)
	if err != nil {
		o.logger.WarnContext(ctx, "Failed to load execution for finish event", "execution_id", executionID, "error", err)

		return
	}

	finished := events.ExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.ExecutionFinishedEvent, executionID),
		TaskID:    execution.TaskID,
		Status:    execution.Status,
		Result:    execution.Result,
		Error:     execution.Error,
	}
	finished.WorkerID = o.config.WorkerID

	if err := o.bus.Publish(ctx, executionID, finished); err != nil {
		o.logger.WarnContext(ctx, "Failed to publish finish event", "execution_id", executionID, "error", err)
	}
}
