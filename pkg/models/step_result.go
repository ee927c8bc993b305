package models

import "time"

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult records that a side effect already happened. Keyed by
// (ExecutionID, StepID); write-once, first writer wins.
type StepResult struct {
	ExecutionID string     `json:"execution_id" validate:"required"`
	StepID      string     `json:"step_id"      validate:"required"`
	Value       any        `json:"value,omitempty"`
	Status      StepStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

func NewStepResult(executionID, stepID string, value any) *StepResult {
	return &StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Value:       value,
		Status:      StepCompleted,
		CreatedAt:   time.Now().UTC(),
	}
}
