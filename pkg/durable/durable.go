// Package durable implements the checkpoint/replay context that workflow
// code runs against. Suspension is an explicit state machine: there is no
// continuation capture, so Sleep and WaitForSignal persist their wake-up
// state and return ErrSuspended, which the workflow function must propagate.
// Resuming re-invokes the function from the top and relies on step
// memoization, so workflow bodies must be re-entrant and free of side
// effects outside Step.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/models"
)

var (
	// ErrSuspended propagates out of a workflow function when the execution
	// parked itself on a timer or signal. It is not a failure.
	ErrSuspended = errors.New("execution suspended")

	// ErrCancelled is observed at the next checkpoint after a cooperative
	// cancellation.
	ErrCancelled = errors.New("execution cancelled")

	// ErrReservedStepID rejects user step ids in the internal namespaces.
	ErrReservedStepID = errors.New("step id uses a reserved prefix")

	// ErrNoMatchingBranch is returned by Switch when no branch matches and
	// no default is provided.
	ErrNoMatchingBranch = errors.New("no switch branch matched and no default branch given")

	// ErrUnexpectedTimeout indicates a fired signal timeout for a wait that
	// never configured one. This is a store/code contradiction.
	ErrUnexpectedTimeout = errors.New("signal timeout fired without a configured timeout")

	// ErrCompensationFailed wraps a failed rollback compensation.
	ErrCompensationFailed = errors.New("compensation failed")
)

// RetryPolicy bounds step-level retries. Exhausted attempts propagate the
// last error upward into the execution-level policy.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 25 * time.Millisecond}
}

// Runner is the task-execution collaborator: it hosts a workflow function
// with whatever DI/middleware the embedding framework applies. The engine
// never performs DI itself.
type Runner interface {
	Run(ctx context.Context, execution *models.Execution, wctx *Context) (any, error)
}

const (
	reservedPrefix = "__"
	rollbackPrefix = "rollback:"
)

func validateStepID(id string) error {
	if id == "" {
		return errors.New("step id is required")
	}

	if len(id) >= 2 && id[:2] == reservedPrefix {
		return fmt.Errorf("%w: %s", ErrReservedStepID, id)
	}

	if len(id) >= len(rollbackPrefix) && id[:len(rollbackPrefix)] == rollbackPrefix {
		return fmt.Errorf("%w: %s", ErrReservedStepID, id)
	}

	return nil
}
