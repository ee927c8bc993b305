package web

// Request DTOs for the operator API.

type StartExecutionRequest struct {
	TaskID         string         `json:"task_id"         validate:"required"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts"    validate:"gte=0"`
	TimeoutMS      int64          `json:"timeout_ms"      validate:"gte=0"`
}

type SignalRequest struct {
	Signal  string `json:"signal" validate:"required"`
	Payload any    `json:"payload"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type SkipStepRequest struct {
	StepID string `json:"step_id" validate:"required"`
	Value  any    `json:"value"`
}

type ForceFailRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type EditStepResultRequest struct {
	StepID string `json:"step_id" validate:"required"`
	Value  any    `json:"value"`
}

type EnsureScheduleRequest struct {
	ID         string         `json:"id"          validate:"required"`
	TaskID     string         `json:"task_id"     validate:"required"`
	Cron       string         `json:"cron"`
	IntervalMS int64          `json:"interval_ms" validate:"gte=0"`
	Input      map[string]any `json:"input"`
}
