// Package models defines the persistent entities of the durable execution
// engine: executions, step results, timers, schedules, audit entries and
// queue messages.
package models

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionPending            ExecutionStatus = "pending"
	ExecutionRunning            ExecutionStatus = "running"
	ExecutionSleeping           ExecutionStatus = "sleeping"
	ExecutionRetrying           ExecutionStatus = "retrying"
	ExecutionCompleted          ExecutionStatus = "completed"
	ExecutionFailed             ExecutionStatus = "failed"
	ExecutionCancelled          ExecutionStatus = "cancelled"
	ExecutionCompensationFailed ExecutionStatus = "compensation_failed"
)

// Terminal reports whether the status is final. Terminal executions never
// revert; pending/running/sleeping/retrying may cycle among themselves.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionCompensationFailed:
		return true
	default:
		return false
	}
}

// ExecutionError is the serialized form of a workflow failure.
type ExecutionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Execution is one run (including retries) of a durable workflow. It is
// owned by the store and mutated only through the store's atomic update so
// concurrent workers cannot clobber each other.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"     validate:"required"`
	Input       map[string]any  `json:"input,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      any             `json:"result,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts" validate:"gte=1"`

	// TimeoutMS bounds the whole execution, measured from CreatedAt. Retries
	// do not reset it. Zero means no execution-level timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewExecution(taskID string, input map[string]any, maxAttempts int, timeoutMS int64) *Execution {
	now := time.Now().UTC()

	return &Execution{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Input:       input,
		Status:      ExecutionPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		TimeoutMS:   timeoutMS,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Deadline returns the wall-clock execution deadline, if one is configured.
func (e *Execution) Deadline() (time.Time, bool) {
	if e.TimeoutMS <= 0 {
		return time.Time{}, false
	}

	return e.CreatedAt.Add(time.Duration(e.TimeoutMS) * time.Millisecond), true
}
