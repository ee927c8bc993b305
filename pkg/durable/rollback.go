package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// Rollback runs the registered down compensations in strict reverse order
// of successful up completion. Each completed compensation is memoized at
// rollback:<stepID>, so a retried rollback skips work already undone. A
// compensation error moves the execution to terminal compensation_failed
// and no further compensations run.
func (c *Context) Rollback(ctx context.Context) error {
	for i := len(c.compensations) - 1; i >= 0; i-- {
		comp := c.compensations[i]
		rollbackID := rollbackPrefix + comp.stepID

		_, err := c.store.StepResult(ctx, c.executionID, rollbackID)
		if err == nil {
			continue
		}

		if !errors.Is(err, store.ErrStepResultNotFound) {
			return fmt.Errorf("failed to look up compensation %s: %w", rollbackID, err)
		}

		if err := comp.down(ctx); err != nil {
			c.markCompensationFailed(ctx, comp.stepID, err)

			return fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, comp.stepID, err)
		}

		if _, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, rollbackID, true)); err != nil {
			return fmt.Errorf("failed to persist compensation %s: %w", rollbackID, err)
		}

		c.audit(ctx, models.AuditRollback, comp.stepID, nil)
	}

	return nil
}

func (c *Context) markCompensationFailed(ctx context.Context, stepID string, cause error) {
	_, err := c.store.UpdateExecution(ctx, c.executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionCompensationFailed
		execution.Error = &models.ExecutionError{Message: fmt.Sprintf("compensation %s failed: %v", stepID, cause)}
		execution.CompletedAt = &now

		return nil
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to mark compensation failure", "step_id", stepID, "error", err)
	}

	c.audit(ctx, models.AuditRollback, stepID, map[string]any{"failed": true, "error": cause.Error()})
}
