// Package memory provides the reference in-memory store implementation.
// It implements every optional capability and is the fixture for engine
// tests; production deployments swap in a backend with the same contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

type lease struct {
	owner   string
	expires time.Time
}

type waiter struct {
	signal string
	stepID string
}

// Store keeps all state keyed by opaque ids behind one mutex. There is no
// process-wide singleton: callers construct and inject instances.
type Store struct {
	mu sync.Mutex

	executions  map[string]*models.Execution
	stepResults map[string]map[string]*models.StepResult
	timers      map[string]*models.Timer
	schedules   map[string]*models.Schedule
	audit       map[string][]*models.AuditEntry

	waiters map[string][]waiter          // executionID -> outstanding slots, call order
	signals map[string]map[string][]any  // executionID -> signal -> buffered payloads

	timerLeases map[string]lease
	execLocks   map[string]lease
	idempotency map[string]string // taskID + "\x00" + key -> executionID
}

func NewStore() *Store {
	return &Store{
		executions:  make(map[string]*models.Execution),
		stepResults: make(map[string]map[string]*models.StepResult),
		timers:      make(map[string]*models.Timer),
		schedules:   make(map[string]*models.Schedule),
		audit:       make(map[string][]*models.AuditEntry),
		waiters:     make(map[string][]waiter),
		signals:     make(map[string]map[string][]any),
		timerLeases: make(map[string]lease),
		execLocks:   make(map[string]lease),
		idempotency: make(map[string]string),
	}
}

var (
	_ store.Store               = (*Store)(nil)
	_ store.TimerClaimer        = (*Store)(nil)
	_ store.IdempotencyReserver = (*Store)(nil)
	_ store.ExecutionLocker     = (*Store)(nil)
	_ store.OperatorStore       = (*Store)(nil)
)

func (s *Store) CreateExecution(_ context.Context, execution *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[execution.ID]; exists {
		return store.ErrExecutionExists
	}

	clone := *execution
	s.executions[execution.ID] = &clone

	return nil
}

func (s *Store) Execution(_ context.Context, id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, exists := s.executions[id]
	if !exists {
		return nil, store.ErrExecutionNotFound
	}

	clone := *execution

	return &clone, nil
}

// UpdateExecution applies the merge function under the store lock, which is
// the in-memory equivalent of an atomic read-merge-write.
func (s *Store) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, exists := s.executions[id]
	if !exists {
		return nil, store.ErrExecutionNotFound
	}

	clone := *execution
	if err := update(&clone); err != nil {
		return nil, err
	}

	clone.UpdatedAt = time.Now().UTC()
	s.executions[id] = &clone

	result := clone

	return &result, nil
}

func (s *Store) Executions(_ context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Execution, 0)

	for _, execution := range s.executions {
		if filter.TaskID != "" && execution.TaskID != filter.TaskID {
			continue
		}

		if len(filter.Status) > 0 && !statusIn(execution.Status, filter.Status) {
			continue
		}

		clone := *execution
		matches = append(matches, &clone)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matches) {
			return []*models.Execution{}, nil
		}

		matches = matches[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(matches) {
		matches = matches[:filter.Limit]
	}

	return matches, nil
}

func (s *Store) NonTerminalExecutions(_ context.Context) ([]*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*models.Execution, 0)

	for _, execution := range s.executions {
		if execution.Status.Terminal() {
			continue
		}

		clone := *execution
		matches = append(matches, &clone)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})

	return matches, nil
}

func statusIn(status models.ExecutionStatus, set []models.ExecutionStatus) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}

	return false
}

// SaveStepResult is write-once: the first writer wins and the stored record
// is returned to every caller.
func (s *Store) SaveStepResult(_ context.Context, result *models.StepResult) (*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, exists := s.stepResults[result.ExecutionID]
	if !exists {
		steps = make(map[string]*models.StepResult)
		s.stepResults[result.ExecutionID] = steps
	}

	if existing, exists := steps[result.StepID]; exists {
		clone := *existing

		return &clone, nil
	}

	clone := *result
	steps[result.StepID] = &clone

	stored := clone

	return &stored, nil
}

func (s *Store) StepResult(_ context.Context, executionID, stepID string) (*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, exists := s.stepResults[executionID][stepID]
	if !exists {
		return nil, store.ErrStepResultNotFound
	}

	clone := *result

	return &clone, nil
}

func (s *Store) StepResults(_ context.Context, executionID string) ([]*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*models.StepResult, 0, len(s.stepResults[executionID]))

	for _, result := range s.stepResults[executionID] {
		clone := *result
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	return results, nil
}

// OverwriteStepResult bypasses the write-once discipline. Operator use only;
// the caller is responsible for auditing.
func (s *Store) OverwriteStepResult(_ context.Context, result *models.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, exists := s.stepResults[result.ExecutionID]
	if !exists {
		steps = make(map[string]*models.StepResult)
		s.stepResults[result.ExecutionID] = steps
	}

	clone := *result
	steps[result.StepID] = &clone

	return nil
}

func (s *Store) SaveTimer(_ context.Context, timer *models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *timer
	s.timers[timer.ID] = &clone

	return nil
}

func (s *Store) Timer(_ context.Context, id string) (*models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exists := s.timers[id]
	if !exists {
		return nil, store.ErrTimerNotFound
	}

	clone := *timer

	return &clone, nil
}

func (s *Store) TimerForStep(_ context.Context, executionID, stepID string) (*models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, timer := range s.timers {
		if timer.ExecutionID == executionID && timer.StepID == stepID && timer.Status == models.TimerPending {
			clone := *timer

			return &clone, nil
		}
	}

	return nil, store.ErrTimerNotFound
}

// DueTimers excludes timers under an unexpired claim so a second poller
// does not act on a leased timer.
func (s *Store) DueTimers(_ context.Context, now time.Time) ([]*models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*models.Timer, 0)

	for _, timer := range s.timers {
		if !timer.Due(now) {
			continue
		}

		if claim, claimed := s.timerLeases[timer.ID]; claimed && claim.expires.After(now) {
			continue
		}

		clone := *timer
		due = append(due, &clone)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].FireAt.Before(due[j].FireAt)
	})

	return due, nil
}

func (s *Store) MarkTimerFired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exists := s.timers[id]
	if !exists {
		return store.ErrTimerNotFound
	}

	timer.Status = models.TimerFired
	delete(s.timerLeases, id)

	return nil
}

// ClaimTimer takes a TTL lease on a pending timer. Exactly one concurrent
// caller wins.
func (s *Store) ClaimTimer(_ context.Context, timerID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, exists := s.timers[timerID]
	if !exists || timer.Status != models.TimerPending {
		return false, nil
	}

	now := time.Now().UTC()

	if claim, claimed := s.timerLeases[timerID]; claimed && claim.expires.After(now) && claim.owner != owner {
		return false, nil
	}

	s.timerLeases[timerID] = lease{owner: owner, expires: now.Add(ttl)}

	return true, nil
}

func (s *Store) CreateScheduleIfAbsent(_ context.Context, schedule *models.Schedule) (*models.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.schedules[schedule.ID]; exists {
		clone := *existing

		return &clone, false, nil
	}

	clone := *schedule
	s.schedules[schedule.ID] = &clone

	stored := clone

	return &stored, true, nil
}

func (s *Store) Schedule(_ context.Context, id string) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, store.ErrScheduleNotFound
	}

	clone := *schedule

	return &clone, nil
}

func (s *Store) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, exists := s.schedules[id]
	if !exists {
		return nil, store.ErrScheduleNotFound
	}

	clone := *schedule
	if err := update(&clone); err != nil {
		return nil, err
	}

	clone.UpdatedAt = time.Now().UTC()
	s.schedules[id] = &clone

	result := clone

	return &result, nil
}

func (s *Store) Schedules(_ context.Context) ([]*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := make([]*models.Schedule, 0, len(s.schedules))

	for _, schedule := range s.schedules {
		clone := *schedule
		schedules = append(schedules, &clone)
	}

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].ID < schedules[j].ID
	})

	return schedules, nil
}

func (s *Store) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *entry
	clone.Seq = len(s.audit[entry.ExecutionID]) + 1
	s.audit[entry.ExecutionID] = append(s.audit[entry.ExecutionID], &clone)

	return nil
}

func (s *Store) Audit(_ context.Context, executionID string) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*models.AuditEntry, 0, len(s.audit[executionID]))

	for _, entry := range s.audit[executionID] {
		clone := *entry
		entries = append(entries, &clone)
	}

	return entries, nil
}

func (s *Store) RegisterWaiter(_ context.Context, executionID, signal, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.waiters[executionID] {
		if w.stepID == stepID {
			return nil
		}
	}

	s.waiters[executionID] = append(s.waiters[executionID], waiter{signal: signal, stepID: stepID})

	return nil
}

// TakeWaiter removes and returns the first outstanding slot for the signal.
func (s *Store) TakeWaiter(_ context.Context, executionID, signal string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiters[executionID] {
		if w.signal == signal {
			s.waiters[executionID] = append(s.waiters[executionID][:i], s.waiters[executionID][i+1:]...)

			return w.stepID, true, nil
		}
	}

	return "", false, nil
}

func (s *Store) RemoveWaiter(_ context.Context, executionID, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiters[executionID] {
		if w.stepID == stepID {
			s.waiters[executionID] = append(s.waiters[executionID][:i], s.waiters[executionID][i+1:]...)

			return true, nil
		}
	}

	return false, nil
}

func (s *Store) BufferSignal(_ context.Context, executionID, signal string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buffered, exists := s.signals[executionID]
	if !exists {
		buffered = make(map[string][]any)
		s.signals[executionID] = buffered
	}

	buffered[signal] = append(buffered[signal], payload)

	return nil
}

func (s *Store) TakeBufferedSignal(_ context.Context, executionID, signal string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.signals[executionID][signal]
	if len(queue) == 0 {
		return nil, false, nil
	}

	payload := queue[0]
	s.signals[executionID][signal] = queue[1:]

	return payload, true, nil
}

func (s *Store) ReserveIdempotencyKey(_ context.Context, taskID, key, executionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation := taskID + "\x00" + key

	if winner, exists := s.idempotency[reservation]; exists {
		return winner, nil
	}

	s.idempotency[reservation] = executionID

	return executionID, nil
}

func (s *Store) ReleaseIdempotencyKey(_ context.Context, taskID, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation := taskID + "\x00" + key

	if winner, exists := s.idempotency[reservation]; exists && winner == executionID {
		delete(s.idempotency, reservation)
	}

	return nil
}

func (s *Store) AcquireExecutionLock(_ context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	if held, exists := s.execLocks[executionID]; exists && held.expires.After(now) && held.owner != owner {
		return false, nil
	}

	s.execLocks[executionID] = lease{owner: owner, expires: now.Add(ttl)}

	return true, nil
}

func (s *Store) ReleaseExecutionLock(_ context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, exists := s.execLocks[executionID]; exists && held.owner == owner {
		delete(s.execLocks, executionID)
	}

	return nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
