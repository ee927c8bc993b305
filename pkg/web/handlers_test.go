package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/operator"
	"github.com/perdura/perdura/pkg/orchestrator"
	"github.com/perdura/perdura/pkg/registry"
	"github.com/perdura/perdura/pkg/store/memory"
	"github.com/perdura/perdura/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	tasks := registry.NewRegistry(logger)

	require.NoError(t, tasks.Register(&registry.TaskDefinition{
		ID: "echo",
		Handler: func(_ context.Context, _ *durable.Context, input map[string]any) (any, error) {
			return input, nil
		},
	}))

	engine := orchestrator.New(st, tasks, orchestrator.WithLogger(logger))
	operatorService := operator.NewService(st, engine, logger)

	app := fiber.New()
	web.NewAPIHandlers(operatorService, engine).Register(app)

	return app, st
}

func jsonRequest(t *testing.T, method, url string, payload any) *http.Request {
	t.Helper()

	var body []byte

	if str, ok := payload.(string); ok {
		body = []byte(str)
	} else if payload != nil {
		var err error

		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func seedExecution(t *testing.T, st *memory.Store, status models.ExecutionStatus) *models.Execution {
	t.Helper()

	execution := models.NewExecution("echo", nil, 3, 0)
	execution.Status = status

	if status.Terminal() {
		now := time.Now().UTC()
		execution.CompletedAt = &now
	}

	require.NoError(t, st.CreateExecution(context.Background(), execution))

	return execution
}

func TestStartExecutionEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name:           "successful start",
			requestBody:    web.StartExecutionRequest{TaskID: "echo", Input: map[string]any{"n": float64(1)}},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "unknown task",
			requestBody:    web.StartExecutionRequest{TaskID: "missing"},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "missing task id",
			requestBody:    web.StartExecutionRequest{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid json",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions", tt.requestBody))
			require.NoError(t, err)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusAccepted {
				var accepted map[string]string

				require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
				assert.NotEmpty(t, accepted["execution_id"])
			}
		})
	}
}

func TestGetExecutionDetailEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	execution := seedExecution(t, st, models.ExecutionRunning)

	_, err := st.SaveStepResult(context.Background(), models.NewStepResult(execution.ID, "charge", "receipt"))
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/executions/"+execution.ID, nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail operator.ExecutionDetail

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, execution.ID, detail.Execution.ID)
	require.Len(t, detail.StepResults, 1)
	assert.Equal(t, "charge", detail.StepResults[0].StepID)

	missing, err := app.Test(httptest.NewRequest(http.MethodGet, "/executions/nope", nil))
	require.NoError(t, err)

	defer func() { _ = missing.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListExecutionsEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	seedExecution(t, st, models.ExecutionRunning)
	seedExecution(t, st, models.ExecutionCompleted)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/executions?status=running&limit=10", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Executions []*models.Execution `json:"executions"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Executions, 1)
	assert.Equal(t, models.ExecutionRunning, listing.Executions[0].Status)

	bad, err := app.Test(httptest.NewRequest(http.MethodGet, "/executions?limit=abc", nil))
	require.NoError(t, err)

	defer func() { _ = bad.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSignalEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	execution := seedExecution(t, st, models.ExecutionSleeping)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/signal",
		web.SignalRequest{Signal: "approved", Payload: "yes"}))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// No waiter was registered, so the payload is buffered for the next
	// wait slot.
	payload, ok, err := st.TakeBufferedSignal(context.Background(), execution.ID, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yes", payload)

	bad, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/signal",
		web.SignalRequest{}))
	require.NoError(t, err)

	defer func() { _ = bad.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	execution := seedExecution(t, st, models.ExecutionSleeping)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/cancel",
		web.CancelRequest{Reason: "operator request"}))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancelled, err := st.Execution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
}

func TestRetryRollbackEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	running := seedExecution(t, st, models.ExecutionRunning)

	conflict, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+running.ID+"/retry-rollback", nil))
	require.NoError(t, err)

	defer func() { _ = conflict.Body.Close() }()

	assert.Equal(t, http.StatusConflict, conflict.StatusCode)

	stuck := seedExecution(t, st, models.ExecutionCompensationFailed)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+stuck.ID+"/retry-rollback", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	reopened, err := st.Execution(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRetrying, reopened.Status)
}

func TestSkipStepAndEditStepEndpoints(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	execution := seedExecution(t, st, models.ExecutionRetrying)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/skip-step",
		web.SkipStepRequest{StepID: "charge", Value: "manual"}))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	seeded, err := st.StepResult(context.Background(), execution.ID, "charge")
	require.NoError(t, err)
	assert.Equal(t, "manual", seeded.Value)

	edit, err := app.Test(jsonRequest(t, http.MethodPut, "/executions/"+execution.ID+"/step-results",
		web.EditStepResultRequest{StepID: "charge", Value: "corrected"}))
	require.NoError(t, err)

	defer func() { _ = edit.Body.Close() }()

	require.Equal(t, http.StatusNoContent, edit.StatusCode)

	edited, err := st.StepResult(context.Background(), execution.ID, "charge")
	require.NoError(t, err)
	assert.Equal(t, "corrected", edited.Value)

	missing, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/nope/skip-step",
		web.SkipStepRequest{StepID: "charge"}))
	require.NoError(t, err)

	defer func() { _ = missing.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestForceFailEndpoint(t *testing.T) {
	t.Parallel()

	app, st := setupTestApp(t)

	execution := seedExecution(t, st, models.ExecutionSleeping)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/force-fail",
		web.ForceFailRequest{Reason: "unrecoverable"}))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	again, err := app.Test(jsonRequest(t, http.MethodPost, "/executions/"+execution.ID+"/force-fail",
		web.ForceFailRequest{Reason: "again"}))
	require.NoError(t, err)

	defer func() { _ = again.Body.Close() }()

	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	created, err := app.Test(jsonRequest(t, http.MethodPost, "/schedules",
		web.EnsureScheduleRequest{ID: "nightly", TaskID: "echo", Cron: "0 0 * * *"}))
	require.NoError(t, err)

	defer func() { _ = created.Body.Close() }()

	require.Equal(t, http.StatusCreated, created.StatusCode)

	var schedule models.Schedule

	require.NoError(t, json.NewDecoder(created.Body).Decode(&schedule))
	assert.Equal(t, "nightly", schedule.ID)
	assert.Equal(t, models.ScheduleActive, schedule.Status)

	invalid, err := app.Test(jsonRequest(t, http.MethodPost, "/schedules",
		web.EnsureScheduleRequest{TaskID: "echo", Cron: "0 0 * * *"}))
	require.NoError(t, err)

	defer func() { _ = invalid.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, invalid.StatusCode)

	listing, err := app.Test(httptest.NewRequest(http.MethodGet, "/schedules", nil))
	require.NoError(t, err)

	defer func() { _ = listing.Body.Close() }()

	require.Equal(t, http.StatusOK, listing.StatusCode)

	var schedules struct {
		Schedules []*models.Schedule `json:"schedules"`
	}

	require.NoError(t, json.NewDecoder(listing.Body).Decode(&schedules))
	require.Len(t, schedules.Schedules, 1)
}
