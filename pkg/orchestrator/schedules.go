package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// ScheduleOptions configures EnsureSchedule. Exactly one of Cron or
// IntervalMS must be set; ID is the caller-supplied natural key.
type ScheduleOptions struct {
	ID         string
	Cron       string
	IntervalMS int64
}

// EnsureSchedule idempotently upserts a schedule keyed by the caller's id.
// Concurrent and repeated boot-time calls are safe: the store's atomic
// create-if-absent makes exactly one caller persist the schedule and its
// first timer.
func (o *Orchestrator) EnsureSchedule(ctx context.Context, taskID string, input map[string]any, opts ScheduleOptions) (*models.Schedule, error) {
	var (
		schedule *models.Schedule
		err      error
	)

	switch {
	case opts.Cron != "" && opts.IntervalMS > 0:
		return nil, errors.New("schedule cannot be both cron and interval")
	case opts.Cron != "":
		schedule, err = models.NewCronSchedule(opts.ID, taskID, opts.Cron, input)
	case opts.IntervalMS > 0:
		schedule, err = models.NewIntervalSchedule(opts.ID, taskID, opts.IntervalMS, input)
	default:
		return nil, errors.New("schedule requires a cron pattern or an interval")
	}

	if err != nil {
		return nil, err
	}

	stored, created, err := o.store.CreateScheduleIfAbsent(ctx, schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to persist schedule: %w", err)
	}

	if created {
		timer := models.NewScheduleTimer(stored.ID, stored.TimerType(), *stored.NextRun)
		if err := o.store.SaveTimer(ctx, timer); err != nil {
			return nil, fmt.Errorf("failed to persist schedule timer: %w", err)
		}

		o.logger.InfoContext(ctx, "Schedule created",
			"schedule_id", stored.ID, "task_id", taskID, "next_run", stored.NextRun)
	}

	return stored, nil
}

// PauseSchedule suspends future runs. The timer chain keeps advancing so a
// later resume picks up at the next natural fire time.
func (o *Orchestrator) PauseSchedule(ctx context.Context, scheduleID string) error {
	_, err := o.store.UpdateSchedule(ctx, scheduleID, func(schedule *models.Schedule) error {
		schedule.Status = models.SchedulePaused

		return nil
	})

	return err
}

func (o *Orchestrator) ResumeSchedule(ctx context.Context, scheduleID string) error {
	_, err := o.store.UpdateSchedule(ctx, scheduleID, func(schedule *models.Schedule) error {
		schedule.Status = models.ScheduleActive

		return nil
	})

	return err
}

// fireSchedule starts the schedule's task with its stored input and chains
// the next timer. The next fire time is computed from kickoff, not from
// completion, so slow tasks may overlap by design.
func (o *Orchestrator) fireSchedule(ctx context.Context, timer *models.Timer) error {
	if err := o.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}

	schedule, err := o.store.Schedule(ctx, timer.ScheduleID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return nil
		}

		return err
	}

	kickoff := time.Now().UTC()

	if schedule.Status == models.ScheduleActive {
		executionID, err := o.Start(ctx, schedule.TaskID, schedule.Input, StartOptions{})
		if err != nil {
			o.logger.ErrorContext(ctx, "Failed to start scheduled execution",
				"schedule_id", schedule.ID, "task_id", schedule.TaskID, "error", err)
		} else {
			o.logger.DebugContext(ctx, "Scheduled execution started",
				"schedule_id", schedule.ID, "execution_id", executionID)
		}
	}

	next, err := schedule.NextAfter(kickoff)
	if err != nil {
		return fmt.Errorf("failed to compute next fire time for schedule %s: %w", schedule.ID, err)
	}

	_, err = o.store.UpdateSchedule(ctx, schedule.ID, func(schedule *models.Schedule) error {
		if schedule.Status == models.ScheduleActive {
			schedule.LastRun = &kickoff
		}

		schedule.NextRun = &next

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to advance schedule %s: %w", schedule.ID, err)
	}

	return o.store.SaveTimer(ctx, models.NewScheduleTimer(schedule.ID, schedule.TimerType(), next))
}
