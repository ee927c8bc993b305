package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionCompensationFailed}
	for _, status := range terminal {
		assert.True(t, status.Terminal(), "expected %s to be terminal", status)
	}

	active := []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionSleeping, ExecutionRetrying}
	for _, status := range active {
		assert.False(t, status.Terminal(), "expected %s to be non-terminal", status)
	}
}

func TestNewExecution(t *testing.T) {
	execution := NewExecution("charge-order", map[string]any{"order": "o-1"}, 3, 0)

	assert.NotEmpty(t, execution.ID)
	assert.Equal(t, ExecutionPending, execution.Status)
	assert.Equal(t, 1, execution.Attempt)
	assert.Equal(t, 3, execution.MaxAttempts)

	_, ok := execution.Deadline()
	assert.False(t, ok)

	require.NoError(t, ValidateStruct(execution))
}

func TestExecutionDeadline(t *testing.T) {
	execution := NewExecution("task", nil, 1, 1500)

	deadline, ok := execution.Deadline()
	require.True(t, ok)
	assert.Equal(t, execution.CreatedAt.Add(1500*time.Millisecond), deadline)
}

func TestSignalKeysResolveToSameRuntimeName(t *testing.T) {
	typed := NewSignal[string]("shipped")
	plain := SignalID("shipped")

	assert.Equal(t, plain.SignalName(), typed.SignalName())
}
