// Package store defines the persistence contract for the durable execution
// engine. The store is the single source of truth; the queue and event bus
// are distribution and latency optimizations only.
package store

import (
	"context"
	"time"

	"github.com/perdura/perdura/pkg/models"
)

// ExecutionUpdate mutates an execution inside the store's atomic
// read-merge-write cycle. Returning an error aborts the update.
type ExecutionUpdate func(execution *models.Execution) error

// ScheduleUpdate mutates a schedule inside an atomic update.
type ScheduleUpdate func(schedule *models.Schedule) error

// ExecutionFilter narrows and pages execution listings.
type ExecutionFilter struct {
	TaskID string
	Status []models.ExecutionStatus
	Limit  int
	Offset int
}

// Store is the required persistence contract. UpdateExecution must be
// atomic because at-least-once queue delivery can hand the same execution
// to two workers simultaneously. SaveStepResult is write-once: the first
// writer wins and later writers get the existing record back.
type Store interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	Execution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*models.Execution, error)
	Executions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)
	NonTerminalExecutions(ctx context.Context) ([]*models.Execution, error)

	SaveStepResult(ctx context.Context, result *models.StepResult) (*models.StepResult, error)
	StepResult(ctx context.Context, executionID, stepID string) (*models.StepResult, error)
	StepResults(ctx context.Context, executionID string) ([]*models.StepResult, error)

	SaveTimer(ctx context.Context, timer *models.Timer) error
	Timer(ctx context.Context, id string) (*models.Timer, error)
	TimerForStep(ctx context.Context, executionID, stepID string) (*models.Timer, error)
	DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error)
	MarkTimerFired(ctx context.Context, id string) error

	CreateScheduleIfAbsent(ctx context.Context, schedule *models.Schedule) (*models.Schedule, bool, error)
	Schedule(ctx context.Context, id string) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) (*models.Schedule, error)
	Schedules(ctx context.Context) ([]*models.Schedule, error)

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	Audit(ctx context.Context, executionID string) ([]*models.AuditEntry, error)

	// Signal coordination. A waiter is the persisted record of an
	// outstanding WaitForSignal slot; buffered signals are payloads that
	// arrived with no waiter and are delivered to the next slot reached.
	RegisterWaiter(ctx context.Context, executionID, signal, stepID string) error
	TakeWaiter(ctx context.Context, executionID, signal string) (stepID string, ok bool, err error)
	RemoveWaiter(ctx context.Context, executionID, stepID string) (bool, error)
	BufferSignal(ctx context.Context, executionID, signal string, payload any) error
	TakeBufferedSignal(ctx context.Context, executionID, signal string) (payload any, ok bool, err error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TimerClaimer is an optional capability: an atomic, TTL-bounded lease on a
// timer so exactly one poller acts per timer under horizontal scaling. Any
// store used with more than one poller must implement it.
type TimerClaimer interface {
	ClaimTimer(ctx context.Context, timerID, owner string, ttl time.Duration) (bool, error)
}

// IdempotencyReserver is an optional capability: atomically reserve
// (taskID, key) -> executionID so concurrent identical starts collapse to
// one execution. Returns the winning execution id. Release undoes a
// reservation whose execution record was never persisted; it removes the
// mapping only while it still points at executionID.
type IdempotencyReserver interface {
	ReserveIdempotencyKey(ctx context.Context, taskID, key, executionID string) (string, error)
	ReleaseIdempotencyKey(ctx context.Context, taskID, key, executionID string) error
}

// ExecutionLocker is an optional capability: a per-execution TTL lock so
// only one attempt advances a given execution concurrently.
type ExecutionLocker interface {
	AcquireExecutionLock(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error)
	ReleaseExecutionLock(ctx context.Context, executionID, owner string) error
}

// OperatorStore is an optional capability for dashboard-facing operations
// that bypass the write-once step discipline. Callers must audit such
// writes.
type OperatorStore interface {
	OverwriteStepResult(ctx context.Context, result *models.StepResult) error
}
