// Package orchestrator owns the execution lifecycle: start/wait/signal/
// recover, the timer-polling loop and schedule management. All coordination
// between worker processes flows through the store; the queue distributes
// hints and the bus only shortens Wait latency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/eventbus"
	"github.com/perdura/perdura/pkg/events"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/queue"
	"github.com/perdura/perdura/pkg/store"
)

var (
	// ErrWaitTimeout bounds Wait only; the execution itself keeps going.
	ErrWaitTimeout = errors.New("wait timed out")
)

// ExecutionFailure is the rejection surfaced by Wait when an execution
// reaches a non-completed terminal status. It carries the stored error.
type ExecutionFailure struct {
	ExecutionID string
	Status      models.ExecutionStatus
	Cause       *models.ExecutionError
}

func (e *ExecutionFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution %s %s: %s", e.ExecutionID, e.Status, e.Cause.Message)
	}

	return fmt.Sprintf("execution %s %s", e.ExecutionID, e.Status)
}

// InputValidator is implemented by runners that can validate task input
// before an execution is created (the registry does, via JSON Schema).
type InputValidator interface {
	ValidateInput(taskID string, input map[string]any) error
}

type Config struct {
	WorkerID            string
	PollInterval        time.Duration
	WaitPollInterval    time.Duration
	ClaimTTL            time.Duration
	LockTTL             time.Duration
	DefaultMaxAttempts  int
	RetryBackoff        time.Duration
	MaxRetryBackoff     time.Duration
	QueueDeliveryBudget int
	StepRetry           durable.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		WorkerID:            "worker-" + uuid.New().String()[:8],
		PollInterval:        100 * time.Millisecond,
		WaitPollInterval:    25 * time.Millisecond,
		ClaimTTL:            30 * time.Second,
		LockTTL:             30 * time.Second,
		DefaultMaxAttempts:  3,
		RetryBackoff:        500 * time.Millisecond,
		MaxRetryBackoff:     time.Minute,
		QueueDeliveryBudget: 5,
		StepRetry:           durable.DefaultRetryPolicy(),
	}
}

type Orchestrator struct {
	store  store.Store
	runner durable.Runner
	queue  queue.Queue
	bus    eventbus.EventBus
	logger *slog.Logger
	config Config

	watchersMu sync.Mutex
	watchers   map[string]map[chan struct{}]struct{}
}

type Option func(*Orchestrator)

func WithQueue(q queue.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func WithBus(bus eventbus.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithConfig(config Config) Option {
	return func(o *Orchestrator) { o.config = config }
}

func New(st store.Store, runner durable.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		runner:   runner,
		logger:   slog.Default(),
		config:   DefaultConfig(),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.With("module", "orchestrator", "worker_id", o.config.WorkerID)

	return o
}

// Run starts the timer poller and, when a bus is attached, the completion
// notifier. It blocks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.bus != nil {
		err := o.bus.Handle(events.ExecutionFinishedEvent, func(_ context.Context, event any) error {
			if finished, ok := event.(*events.ExecutionFinished); ok {
				o.notifyWatchers(finished.ExecutionID)
			}

			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to register completion handler: %w", err)
		}

		if err := o.bus.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to event bus: %w", err)
		}
	}

	return o.runPoller(ctx)
}

// StartOptions configures Start. MaxAttempts and TimeoutMS fall back to the
// orchestrator defaults when zero.
type StartOptions struct {
	IdempotencyKey string
	MaxAttempts    int
	TimeoutMS      int64
}

// Start creates a pending execution and returns its id without blocking.
// With an idempotency key, concurrent identical starts collapse to one
// execution through the store's atomic reservation.
func (o *Orchestrator) Start(ctx context.Context, taskID string, input map[string]any, opts StartOptions) (string, error) {
	if validator, ok := o.runner.(InputValidator); ok {
		if err := validator.ValidateInput(taskID, input); err != nil {
			return "", err
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.config.DefaultMaxAttempts
	}

	execution := models.NewExecution(taskID, input, maxAttempts, opts.TimeoutMS)

	if err := models.ValidateStruct(execution); err != nil {
		return "", fmt.Errorf("invalid execution: %w", err)
	}

	var reserver store.IdempotencyReserver

	if opts.IdempotencyKey != "" {
		var ok bool

		reserver, ok = o.store.(store.IdempotencyReserver)
		if !ok {
			return "", errors.New("store does not support idempotency keys")
		}

		winner, err := reserver.ReserveIdempotencyKey(ctx, taskID, opts.IdempotencyKey, execution.ID)
		if err != nil {
			return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
		}

		if winner != execution.ID {
			return winner, nil
		}
	}

	if err := o.store.CreateExecution(ctx, execution); err != nil {
		// A reservation left pointing at a record that never existed would
		// poison the key for every later identical start.
		if reserver != nil {
			if relErr := reserver.ReleaseIdempotencyKey(ctx, taskID, opts.IdempotencyKey, execution.ID); relErr != nil {
				o.logger.WarnContext(ctx, "Failed to release idempotency key", "execution_id", execution.ID, "error", relErr)
			}
		}

		return "", fmt.Errorf("failed to persist execution: %w", err)
	}

	if deadline, ok := execution.Deadline(); ok {
		timer := models.NewExecutionTimer(execution.ID, "", models.TimerTimeout, deadline)
		if err := o.store.SaveTimer(ctx, timer); err != nil {
			return "", fmt.Errorf("failed to persist execution timeout timer: %w", err)
		}
	}

	if o.bus != nil {
		started := events.ExecutionStarted{
			BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID),
			TaskID:    taskID,
		}
		if err := o.bus.Publish(ctx, execution.ID, started); err != nil {
			o.logger.WarnContext(ctx, "Failed to publish start event", "execution_id", execution.ID, "error", err)
		}
	}

	o.dispatch(ctx, execution.ID, models.MessageExecute)

	return execution.ID, nil
}

// StartAndWait is Start followed by Wait.
func (o *Orchestrator) StartAndWait(ctx context.Context, taskID string, input map[string]any, startOpts StartOptions, waitOpts WaitOptions) (any, error) {
	executionID, err := o.Start(ctx, taskID, input, startOpts)
	if err != nil {
		return nil, err
	}

	return o.Wait(ctx, executionID, waitOpts)
}

// WaitOptions bounds Wait. Timeout limits only the wait, never the
// execution.
type WaitOptions struct {
	Timeout time.Duration
}

// Wait blocks until the execution reaches a terminal status, polling at a
// low interval and waking early on completion notifications. It returns the
// stored result or an ExecutionFailure carrying the stored error.
func (o *Orchestrator) Wait(ctx context.Context, executionID string, opts WaitOptions) (any, error) {
	notify := o.addWatcher(executionID)
	defer o.removeWatcher(executionID, notify)

	ticker := time.NewTicker(o.config.WaitPollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time

	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()

		deadline = timer.C
	}

	for {
		execution, err := o.store.Execution(ctx, executionID)
		if err != nil && !errors.Is(err, store.ErrExecutionNotFound) {
			return nil, fmt.Errorf("failed to poll execution: %w", err)
		}

		// Not-found is tolerated briefly: an idempotent start may return the
		// winner's id before the winner finished persisting the record.
		if err == nil && execution.Status.Terminal() {
			if execution.Status == models.ExecutionCompleted {
				return execution.Result, nil
			}

			return nil, &ExecutionFailure{
				ExecutionID: executionID,
				Status:      execution.Status,
				Cause:       execution.Error,
			}
		}

		select {
		case <-ticker.C:
		case <-notify:
		case <-deadline:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Signal resolves the first outstanding WaitForSignal slot for the
// execution, or buffers the payload for the next slot reached. Delivery is
// to-current-or-next, never broadcast.
func (o *Orchestrator) Signal(ctx context.Context, executionID string, sig models.SignalKey, payload any) error {
	name := sig.SignalName()

	stepID, ok, err := o.store.TakeWaiter(ctx, executionID, name)
	if err != nil {
		return fmt.Errorf("failed to take signal waiter: %w", err)
	}

	if !ok {
		if err := o.store.BufferSignal(ctx, executionID, name, payload); err != nil {
			return fmt.Errorf("failed to buffer signal: %w", err)
		}

		return nil
	}

	result := durable.SignalResult{Kind: durable.KindSignal, Payload: payload}
	if _, err := o.store.SaveStepResult(ctx, models.NewStepResult(executionID, stepID, result)); err != nil {
		return fmt.Errorf("failed to persist signal delivery: %w", err)
	}

	if err := o.store.AppendAudit(ctx, models.NewAuditEntry(executionID, models.AuditSignal, name, payload)); err != nil {
		o.logger.WarnContext(ctx, "Failed to audit signal delivery", "execution_id", executionID, "error", err)
	}

	if o.bus != nil {
		delivered := events.SignalDelivered{
			BaseEvent: events.NewBaseEvent(events.SignalDeliveredEvent, executionID),
			Signal:    name,
			StepID:    stepID,
		}
		if err := o.bus.Publish(ctx, executionID, delivered); err != nil {
			o.logger.WarnContext(ctx, "Failed to publish signal event", "execution_id", executionID, "error", err)
		}
	}

	o.dispatch(ctx, executionID, models.MessageResume)

	return nil
}

// CancelExecution cooperatively cancels: the status flips immediately,
// Wait unblocks, future resumption is suppressed, but code already running
// between checkpoints finishes its current stretch.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID, reason string) error {
	var changed bool

	_, err := o.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionCancelled
		execution.CompletedAt = &now

		if reason != "" {
			execution.Error = &models.ExecutionError{Message: reason}
		}

		changed = true

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}

	if changed {
		o.finish(ctx, executionID)
	}

	return nil
}

// Recover reloads every non-terminal execution and resubmits it. Replay
// skips completed steps; executions parked on pending timers simply park
// again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	executions, err := o.store.NonTerminalExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal executions: %w", err)
	}

	o.logger.InfoContext(ctx, "Recovering executions", "count", len(executions))

	for _, execution := range executions {
		o.dispatch(ctx, execution.ID, models.MessageResume)
	}

	return nil
}

// Resume resubmits an execution. Exposed for the operator layer.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) error {
	o.dispatch(ctx, executionID, models.MessageResume)

	return nil
}

// dispatch enqueues a hint when a queue is attached, else drives the
// execution on a local goroutine.
func (o *Orchestrator) dispatch(ctx context.Context, executionID string, messageType models.MessageType) {
	if o.queue != nil {
		msg := models.NewQueueMessage(messageType, executionID, o.config.QueueDeliveryBudget)

		if err := o.queue.Enqueue(ctx, msg); err != nil {
			// The poller or Recover will pick the execution up; losing the
			// hint costs latency, not correctness.
			o.logger.WarnContext(ctx, "Failed to enqueue hint", "execution_id", executionID, "error", err)
		}

		return
	}

	background := context.WithoutCancel(ctx)

	go func() {
		if err := o.Execute(background, executionID); err != nil {
			o.logger.ErrorContext(background, "Local execution dispatch failed", "execution_id", executionID, "error", err)
		}
	}()
}

func (o *Orchestrator) addWatcher(executionID string) chan struct{} {
	o.watchersMu.Lock()
	defer o.watchersMu.Unlock()

	notify := make(chan struct{}, 1)

	if o.watchers[executionID] == nil {
		o.watchers[executionID] = make(map[chan struct{}]struct{})
	}

	o.watchers[executionID][notify] = struct{}{}

	return notify
}

func (o *Orchestrator) removeWatcher(executionID string, notify chan struct{}) {
	o.watchersMu.Lock()
	defer o.watchersMu.Unlock()

	delete(o.watchers[executionID], notify)

	if len(o.watchers[executionID]) == 0 {
		delete(o.watchers, executionID)
	}
}

func (o *Orchestrator) notifyWatchers(executionID string) {
	o.watchersMu.Lock()
	defer o.watchersMu.Unlock()

	for notify := range o.watchers[executionID] {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}
