package operator_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/operator"
	"github.com/perdura/perdura/pkg/store"
	"github.com/perdura/perdura/pkg/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResumer struct {
	resumed []string
}

func (r *fakeResumer) Resume(_ context.Context, executionID string) error {
	r.resumed = append(r.resumed, executionID)

	return nil
}

func seedExecution(t *testing.T, st *memory.Store, status models.ExecutionStatus) *models.Execution {
	t.Helper()

	execution := models.NewExecution("task-1", nil, 3, 0)
	execution.Status = status

	if status.Terminal() {
		now := time.Now().UTC()
		execution.CompletedAt = &now
	}

	require.NoError(t, st.CreateExecution(context.Background(), execution))

	return execution
}

func TestGetExecutionDetail(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	service := operator.NewService(st, &fakeResumer{}, testLogger())

	execution := seedExecution(t, st, models.ExecutionRunning)

	_, err := st.SaveStepResult(ctx, models.NewStepResult(execution.ID, "charge", "receipt"))
	require.NoError(t, err)
	require.NoError(t, st.AppendAudit(ctx, models.NewAuditEntry(execution.ID, models.AuditCheckpoint, "charge", nil)))

	detail, err := service.GetExecutionDetail(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, detail.Execution.ID)
	require.Len(t, detail.StepResults, 1)
	assert.Equal(t, "charge", detail.StepResults[0].StepID)
	require.Len(t, detail.Audit, 1)

	_, err = service.GetExecutionDetail(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrExecutionNotFound)
}

func TestRetryRollback(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	resumer := &fakeResumer{}
	service := operator.NewService(st, resumer, testLogger())

	// Only compensation_failed executions can be reopened.
	running := seedExecution(t, st, models.ExecutionRunning)
	assert.ErrorIs(t, service.RetryRollback(ctx, running.ID), operator.ErrNotCompensationFailed)

	failed := seedExecution(t, st, models.ExecutionFailed)
	assert.ErrorIs(t, service.RetryRollback(ctx, failed.ID), operator.ErrNotCompensationFailed)

	stuck := seedExecution(t, st, models.ExecutionCompensationFailed)
	require.NoError(t, service.RetryRollback(ctx, stuck.ID))

	reopened, err := st.Execution(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRetrying, reopened.Status)
	assert.Nil(t, reopened.CompletedAt)

	assert.Equal(t, []string{stuck.ID}, resumer.resumed)

	entries, err := st.Audit(ctx, stuck.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditAdminRetryRB, entries[0].Kind)
}

func TestSkipStepSeedsResult(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	service := operator.NewService(st, &fakeResumer{}, testLogger())

	execution := seedExecution(t, st, models.ExecutionRetrying)

	require.NoError(t, service.SkipStep(ctx, execution.ID, "broken-step", "manual-value"))

	result, err := st.StepResult(ctx, execution.ID, "broken-step")
	require.NoError(t, err)
	assert.Equal(t, "manual-value", result.Value)

	entries, err := st.Audit(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditAdminSkipStep, entries[0].Kind)
	assert.Equal(t, "broken-step", entries[0].Label)

	assert.ErrorIs(t, service.SkipStep(ctx, "missing", "step", nil), store.ErrExecutionNotFound)
}

func TestForceFail(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	service := operator.NewService(st, &fakeResumer{}, testLogger())

	execution := seedExecution(t, st, models.ExecutionSleeping)

	require.NoError(t, service.ForceFail(ctx, execution.ID, "stuck beyond repair"))

	failed, err := st.Execution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "stuck beyond repair", failed.Error.Message)
	assert.NotNil(t, failed.CompletedAt)

	assert.ErrorIs(t, service.ForceFail(ctx, execution.ID, "again"), operator.ErrAlreadyTerminal)
}

func TestEditStepResultOverwrites(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	service := operator.NewService(st, &fakeResumer{}, testLogger())

	execution := seedExecution(t, st, models.ExecutionRetrying)

	_, err := st.SaveStepResult(ctx, models.NewStepResult(execution.ID, "charge", "wrong"))
	require.NoError(t, err)

	require.NoError(t, service.EditStepResult(ctx, execution.ID, "charge", "corrected"))

	result, err := st.StepResult(ctx, execution.ID, "charge")
	require.NoError(t, err)
	assert.Equal(t, "corrected", result.Value)

	entries, err := st.Audit(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditAdminEditStep, entries[0].Kind)
}

func TestListSchedulesAndExecutions(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	service := operator.NewService(st, &fakeResumer{}, testLogger())

	seedExecution(t, st, models.ExecutionRunning)
	seedExecution(t, st, models.ExecutionCompleted)

	schedule, err := models.NewIntervalSchedule("nightly", "task-1", 1000, nil)
	require.NoError(t, err)

	_, _, err = st.CreateScheduleIfAbsent(ctx, schedule)
	require.NoError(t, err)

	executions, err := service.ListExecutions(ctx, store.ExecutionFilter{
		Status: []models.ExecutionStatus{models.ExecutionRunning},
	})
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	schedules, err := service.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly", schedules[0].ID)
}
