package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// Schedule is a recurring definition that periodically starts new
// executions. Its ID is a caller-supplied natural key so boot-time
// EnsureSchedule calls are idempotent. Lifecycle is independent from any
// single execution.
type Schedule struct {
	ID     string       `json:"id"      validate:"required"`
	TaskID string       `json:"task_id" validate:"required"`
	Type   ScheduleType `json:"type"    validate:"required"`

	// Pattern is the cron expression for cron schedules, standard 5-field
	// format (minute hour day month weekday).
	Pattern string `json:"pattern,omitempty"`

	// IntervalMS is the fixed interval for interval schedules, measured from
	// kickoff of one run to kickoff of the next, not from completion. Slow
	// runs may overlap by design.
	IntervalMS int64 `json:"interval_ms,omitempty"`

	Input     map[string]any `json:"input,omitempty"`
	Status    ScheduleStatus `json:"status"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func NewCronSchedule(id, taskID, pattern string, input map[string]any) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:        id,
		TaskID:    taskID,
		Type:      ScheduleCron,
		Pattern:   pattern,
		Input:     input,
		Status:    ScheduleActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	next, err := schedule.NextAfter(now)
	if err != nil {
		return nil, err
	}

	schedule.NextRun = &next

	return schedule, nil
}

func NewIntervalSchedule(id, taskID string, intervalMS int64, input map[string]any) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:         id,
		TaskID:     taskID,
		Type:       ScheduleInterval,
		IntervalMS: intervalMS,
		Input:      input,
		Status:     ScheduleActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	next := now.Add(time.Duration(intervalMS) * time.Millisecond)
	schedule.NextRun = &next

	return schedule, nil
}

// NextAfter computes the next fire time strictly after the reference time.
// The reference is the kickoff of the current run, so interval schedules
// keep a fixed cadence regardless of run duration.
func (s *Schedule) NextAfter(reference time.Time) (time.Time, error) {
	switch s.Type {
	case ScheduleCron:
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		cronSchedule, err := parser.Parse(s.Pattern)
		if err != nil {
			return time.Time{}, err
		}

		return cronSchedule.Next(reference), nil
	case ScheduleInterval:
		return reference.Add(time.Duration(s.IntervalMS) * time.Millisecond), nil
	default:
		return time.Time{}, ErrInvalidSchedule
	}
}

// TimerType returns the timer variant used to drive this schedule.
func (s *Schedule) TimerType() TimerType {
	if s.Type == ScheduleCron {
		return TimerCron
	}

	return TimerScheduled
}

func (s *Schedule) Validate() error {
	if s.ID == "" || s.TaskID == "" {
		return ErrInvalidSchedule
	}

	switch s.Type {
	case ScheduleCron:
		if s.Pattern == "" {
			return ErrInvalidSchedule
		}

		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		_, err := parser.Parse(s.Pattern)

		return err
	case ScheduleInterval:
		if s.IntervalMS <= 0 {
			return ErrInvalidSchedule
		}

		return nil
	default:
		return ErrInvalidSchedule
	}
}
