package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// runPoller is the centralized timer loop: it periodically fetches ready
// timers and dispatches them by type. When the store supports atomic
// claims, exactly one poller acts per timer under horizontal scaling.
func (o *Orchestrator) runPoller(ctx context.Context) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	o.logger.InfoContext(ctx, "Timer poller started", "interval", o.config.PollInterval)

	for {
		select {
		case <-ctx.Done():
			o.logger.InfoContext(ctx, "Timer poller stopped")

			return nil
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

// PollOnce processes all currently due timers. Exposed for tests and for
// embedders that drive the loop themselves.
func (o *Orchestrator) PollOnce(ctx context.Context) {
	o.pollOnce(ctx)
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	due, err := o.store.DueTimers(ctx, time.Now().UTC())
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to fetch due timers", "error", err)

		return
	}

	for _, timer := range due {
		if err := o.handleTimer(ctx, timer); err != nil {
			o.logger.ErrorContext(ctx, "Failed to handle timer",
				"timer_id", timer.ID, "timer_type", timer.Type, "error", err)
		}
	}
}

func (o *Orchestrator) handleTimer(ctx context.Context, timer *models.Timer) error {
	if claimer, ok := o.store.(store.TimerClaimer); ok {
		claimed, err := claimer.ClaimTimer(ctx, timer.ID, o.config.WorkerID, o.config.ClaimTTL)
		if err != nil {
			return fmt.Errorf("failed to claim timer: %w", err)
		}

		if !claimed {
			return nil
		}
	}

	switch timer.Type {
	case models.TimerSleep:
		return o.fireSleep(ctx, timer)
	case models.TimerRetry:
		return o.fireRetry(ctx, timer)
	case models.TimerTimeout:
		return o.fireTimeout(ctx, timer)
	case models.TimerSignalTimeout:
		return o.fireSignalTimeout(ctx, timer)
	case models.TimerCron, models.TimerScheduled:
		return o.fireSchedule(ctx, timer)
	default:
		// Unknown variants are marked fired so they cannot wedge the loop.
		o.logger.WarnContext(ctx, "Unknown timer type", "timer_id", timer.ID, "timer_type", timer.Type)

		return o.store.MarkTimerFired(ctx, timer.ID)
	}
}

// fireSleep resolves the sleep checkpoint by writing its step result, then
// resumes the owning execution. On replay the Sleep call returns from cache
// without creating a second timer.
func (o *Orchestrator) fireSleep(ctx context.Context, timer *models.Timer) error {
	if _, err := o.store.SaveStepResult(ctx, models.NewStepResult(timer.ExecutionID, timer.StepID, true)); err != nil {
		return fmt.Errorf("failed to resolve sleep step: %w", err)
	}

	if err := o.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}

	o.dispatch(ctx, timer.ExecutionID, models.MessageResume)

	return nil
}

func (o *Orchestrator) fireRetry(ctx context.Context, timer *models.Timer) error {
	if err := o.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}

	o.dispatch(ctx, timer.ExecutionID, models.MessageResume)

	return nil
}

// fireTimeout fails a still-running execution whose wall-clock budget
// expired. Terminal executions are left untouched.
func (o *Orchestrator) fireTimeout(ctx context.Context, timer *models.Timer) error {
	if err := o.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}

	execution, err := o.store.Execution(ctx, timer.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			return nil
		}

		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	o.failExecution(ctx, timer.ExecutionID, &models.ExecutionError{Message: "execution timed out"})

	return nil
}

// fireSignalTimeout resolves a still-waiting signal slot with a timeout
// result. If the signal already won the race the waiter is gone and the
// timer is a no-op.
func (o *Orchestrator) fireSignalTimeout(ctx context.Context, timer *models.Timer) error {
	if err := o.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}

	removed, err := o.store.RemoveWaiter(ctx, timer.ExecutionID, timer.StepID)
	if err != nil {
		return fmt.Errorf("failed to remove signal waiter: %w", err)
	}

	if !removed {
		return nil
	}

	result := durable.SignalResult{Kind: durable.KindTimeout}
	if _, err := o.store.SaveStepResult(ctx, models.NewStepResult(timer.ExecutionID, timer.StepID, result)); err != nil {
		return fmt.Errorf("failed to resolve signal timeout: %w", err)
	}

	o.dispatch(ctx, timer.ExecutionID, models.MessageResume)

	return nil
}
