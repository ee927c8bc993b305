package models

import (
	"time"

	"github.com/google/uuid"
)

type TimerType string

const (
	TimerSleep         TimerType = "sleep"
	TimerTimeout       TimerType = "timeout"
	TimerScheduled     TimerType = "scheduled"
	TimerCron          TimerType = "cron"
	TimerRetry         TimerType = "retry"
	TimerSignalTimeout TimerType = "signal_timeout"
)

type TimerStatus string

const (
	TimerPending TimerStatus = "pending"
	TimerFired   TimerStatus = "fired"
)

// Timer is a persisted future wake-up event. Exactly one of
// ExecutionID/ScheduleID identifies the owner: execution timers carry the
// execution id (and a step id for sleep/signal_timeout), schedule timers
// carry the schedule id.
type Timer struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id,omitempty"`
	StepID      string      `json:"step_id,omitempty"`
	ScheduleID  string      `json:"schedule_id,omitempty"`
	Type        TimerType   `json:"type"`
	FireAt      time.Time   `json:"fire_at"`
	Status      TimerStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

func NewExecutionTimer(executionID, stepID string, timerType TimerType, fireAt time.Time) *Timer {
	return &Timer{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        timerType,
		FireAt:      fireAt,
		Status:      TimerPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func NewScheduleTimer(scheduleID string, timerType TimerType, fireAt time.Time) *Timer {
	return &Timer{
		ID:         uuid.New().String(),
		ScheduleID: scheduleID,
		Type:       timerType,
		FireAt:     fireAt,
		Status:     TimerPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// Due reports whether the timer should fire at the given time.
func (t *Timer) Due(now time.Time) bool {
	return t.Status == TimerPending && !t.FireAt.After(now)
}
