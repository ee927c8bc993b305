package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCronSchedule(t *testing.T) {
	tests := []struct {
		name        string
		pattern     string
		expectError bool
	}{
		{
			name:    "every five minutes",
			pattern: "*/5 * * * *",
		},
		{
			name:    "daily at midnight",
			pattern: "0 0 * * *",
		},
		{
			name:        "invalid expression",
			pattern:     "not a cron",
			expectError: true,
		},
		{
			name:        "empty expression",
			pattern:     "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := NewCronSchedule("sched-1", "task-1", tt.pattern, nil)

			if tt.expectError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, ScheduleActive, schedule.Status)
			assert.Equal(t, TimerCron, schedule.TimerType())
			require.NotNil(t, schedule.NextRun)
			assert.True(t, schedule.NextRun.After(time.Now().UTC().Add(-time.Second)))
		})
	}
}

func TestNewIntervalSchedule(t *testing.T) {
	schedule, err := NewIntervalSchedule("sched-2", "task-2", 5000, map[string]any{"n": 1})
	require.NoError(t, err)

	assert.Equal(t, ScheduleInterval, schedule.Type)
	assert.Equal(t, TimerScheduled, schedule.TimerType())
	require.NotNil(t, schedule.NextRun)

	_, err = NewIntervalSchedule("sched-3", "task-2", 0, nil)
	require.Error(t, err)
}

func TestScheduleNextAfterIntervalIsKickoffRelative(t *testing.T) {
	schedule, err := NewIntervalSchedule("sched-4", "task-4", 1000, nil)
	require.NoError(t, err)

	kickoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := schedule.NextAfter(kickoff)
	require.NoError(t, err)
	assert.Equal(t, kickoff.Add(time.Second), next)
}

func TestScheduleValidate(t *testing.T) {
	schedule := &Schedule{ID: "", TaskID: "task", Type: ScheduleCron, Pattern: "* * * * *"}
	assert.ErrorIs(t, schedule.Validate(), ErrInvalidSchedule)

	schedule = &Schedule{ID: "id", TaskID: "task", Type: "weekly"}
	assert.ErrorIs(t, schedule.Validate(), ErrInvalidSchedule)
}
