package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

func TestCreateAndGetExecution(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	execution := models.NewExecution("task-1", map[string]any{"n": 1}, 3, 0)
	require.NoError(t, s.CreateExecution(ctx, execution))

	assert.ErrorIs(t, s.CreateExecution(ctx, execution), store.ErrExecutionExists)

	loaded, err := s.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.TaskID, loaded.TaskID)
	assert.Equal(t, models.ExecutionPending, loaded.Status)

	_, err = s.Execution(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrExecutionNotFound)
}

func TestUpdateExecutionIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	execution := models.NewExecution("task-1", nil, 3, 0)
	require.NoError(t, s.CreateExecution(ctx, execution))

	updated, err := s.UpdateExecution(ctx, execution.ID, func(e *models.Execution) error {
		e.Status = models.ExecutionRunning

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, updated.Status)

	// The caller's copy must not alias store state.
	updated.Status = models.ExecutionFailed

	loaded, err := s.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, loaded.Status)
}

func TestSaveStepResultFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first, err := s.SaveStepResult(ctx, models.NewStepResult("exec-1", "charge", "receipt-1"))
	require.NoError(t, err)
	assert.Equal(t, "receipt-1", first.Value)

	second, err := s.SaveStepResult(ctx, models.NewStepResult("exec-1", "charge", "receipt-2"))
	require.NoError(t, err)
	assert.Equal(t, "receipt-1", second.Value)

	loaded, err := s.StepResult(ctx, "exec-1", "charge")
	require.NoError(t, err)
	assert.Equal(t, "receipt-1", loaded.Value)
}

func TestSaveStepResultConcurrentWritersAgree(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	const writers = 16

	results := make([]any, writers)

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			stored, err := s.SaveStepResult(ctx, models.NewStepResult("exec-1", "charge", fmt.Sprintf("receipt-%d", i)))
			require.NoError(t, err)

			results[i] = stored.Value
		}()
	}

	wg.Wait()

	for i := 1; i < writers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestClaimTimerExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	timer := models.NewExecutionTimer("exec-1", "__sleep:0", models.TimerSleep, time.Now().UTC())
	require.NoError(t, s.SaveTimer(ctx, timer))

	const claimers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := range claimers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := s.ClaimTimer(ctx, timer.ID, fmt.Sprintf("poller-%d", i), time.Minute)
			require.NoError(t, err)

			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestClaimTimerReentrantForOwner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	timer := models.NewExecutionTimer("exec-1", "", models.TimerRetry, time.Now().UTC())
	require.NoError(t, s.SaveTimer(ctx, timer))

	claimed, err := s.ClaimTimer(ctx, timer.ID, "poller-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimTimer(ctx, timer.ID, "poller-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimTimer(ctx, timer.ID, "poller-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDueTimersExcludesClaimedAndFired(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	now := time.Now().UTC()

	due := models.NewExecutionTimer("exec-1", "__sleep:0", models.TimerSleep, now.Add(-time.Second))
	future := models.NewExecutionTimer("exec-1", "__sleep:1", models.TimerSleep, now.Add(time.Hour))
	claimed := models.NewExecutionTimer("exec-2", "__sleep:0", models.TimerSleep, now.Add(-time.Second))

	require.NoError(t, s.SaveTimer(ctx, due))
	require.NoError(t, s.SaveTimer(ctx, future))
	require.NoError(t, s.SaveTimer(ctx, claimed))

	ok, err := s.ClaimTimer(ctx, claimed.ID, "poller-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	timers, err := s.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, due.ID, timers[0].ID)

	require.NoError(t, s.MarkTimerFired(ctx, due.ID))

	timers, err = s.DueTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestReserveIdempotencyKeyCollapses(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	const starters = 10

	winners := make([]string, starters)

	var wg sync.WaitGroup

	for i := range starters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			winner, err := s.ReserveIdempotencyKey(ctx, "task-1", "order-42", fmt.Sprintf("exec-%d", i))
			require.NoError(t, err)

			winners[i] = winner
		}()
	}

	wg.Wait()

	for i := 1; i < starters; i++ {
		assert.Equal(t, winners[0], winners[i])
	}

	// A different key reserves independently.
	winner, err := s.ReserveIdempotencyKey(ctx, "task-1", "order-43", "exec-other")
	require.NoError(t, err)
	assert.Equal(t, "exec-other", winner)
}

func TestExecutionLock(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	acquired, err := s.AcquireExecutionLock(ctx, "exec-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = s.AcquireExecutionLock(ctx, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Releasing with the wrong owner is a no-op.
	require.NoError(t, s.ReleaseExecutionLock(ctx, "exec-1", "worker-b"))

	acquired, err = s.AcquireExecutionLock(ctx, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, s.ReleaseExecutionLock(ctx, "exec-1", "worker-a"))

	acquired, err = s.AcquireExecutionLock(ctx, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestWaiterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.RegisterWaiter(ctx, "exec-1", "approved", "__signal:approved:0"))
	require.NoError(t, s.RegisterWaiter(ctx, "exec-1", "approved", "__signal:approved:1"))

	// Registering the same slot twice is idempotent.
	require.NoError(t, s.RegisterWaiter(ctx, "exec-1", "approved", "__signal:approved:0"))

	stepID, ok, err := s.TakeWaiter(ctx, "exec-1", "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "__signal:approved:0", stepID)

	stepID, ok, err = s.TakeWaiter(ctx, "exec-1", "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "__signal:approved:1", stepID)

	_, ok, err = s.TakeWaiter(ctx, "exec-1", "approved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveWaiterRacesTakeWaiter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.RegisterWaiter(ctx, "exec-1", "approved", "__signal:approved:0"))

	removed, err := s.RemoveWaiter(ctx, "exec-1", "__signal:approved:0")
	require.NoError(t, err)
	assert.True(t, removed)

	// The waiter can only be resolved once.
	_, ok, err := s.TakeWaiter(ctx, "exec-1", "approved")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err = s.RemoveWaiter(ctx, "exec-1", "__signal:approved:0")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBufferedSignalsDrainInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.BufferSignal(ctx, "exec-1", "approved", "first"))
	require.NoError(t, s.BufferSignal(ctx, "exec-1", "approved", "second"))

	payload, ok, err := s.TakeBufferedSignal(ctx, "exec-1", "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", payload)

	payload, ok, err = s.TakeBufferedSignal(ctx, "exec-1", "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", payload)

	_, ok, err = s.TakeBufferedSignal(ctx, "exec-1", "approved")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAuditAssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.AppendAudit(ctx, models.NewAuditEntry("exec-1", models.AuditCheckpoint, "charge", nil)))
	require.NoError(t, s.AppendAudit(ctx, models.NewAuditEntry("exec-1", models.AuditNote, "charged", map[string]any{"amount": 10})))

	entries, err := s.Audit(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, 2, entries[1].Seq)
	assert.Equal(t, models.AuditNote, entries[1].Kind)
}

func TestCreateScheduleIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	schedule, err := models.NewIntervalSchedule("nightly", "task-1", 1000, nil)
	require.NoError(t, err)

	stored, created, err := s.CreateScheduleIfAbsent(ctx, schedule)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "nightly", stored.ID)

	duplicate, err := models.NewIntervalSchedule("nightly", "task-2", 9000, nil)
	require.NoError(t, err)

	stored, created, err = s.CreateScheduleIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "task-1", stored.TaskID)
}

func TestExecutionsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for i := range 5 {
		execution := models.NewExecution("task-a", nil, 1, 0)
		execution.CreatedAt = execution.CreatedAt.Add(time.Duration(i) * time.Second)

		if i%2 == 0 {
			execution.Status = models.ExecutionCompleted
		}

		require.NoError(t, s.CreateExecution(ctx, execution))
	}

	require.NoError(t, s.CreateExecution(ctx, models.NewExecution("task-b", nil, 1, 0)))

	matches, err := s.Executions(ctx, store.ExecutionFilter{TaskID: "task-a"})
	require.NoError(t, err)
	assert.Len(t, matches, 5)

	matches, err = s.Executions(ctx, store.ExecutionFilter{TaskID: "task-a", Status: []models.ExecutionStatus{models.ExecutionCompleted}})
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	matches, err = s.Executions(ctx, store.ExecutionFilter{TaskID: "task-a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	nonTerminal, err := s.NonTerminalExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, nonTerminal, 3)
}
