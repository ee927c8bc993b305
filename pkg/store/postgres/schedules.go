package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

const scheduleColumns = `id, task_id, type, pattern, interval_ms, input,
	status, last_run, next_run, created_at, updated_at`

func (s *Store) CreateScheduleIfAbsent(ctx context.Context, schedule *models.Schedule) (*models.Schedule, bool, error) {
	inputJSON, err := marshalJSON(schedule.Input)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal schedule input: %w", err)
	}

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.TaskID,
		schedule.Type,
		nullable(schedule.Pattern),
		schedule.IntervalMS,
		inputJSON,
		schedule.Status,
		schedule.LastRun,
		schedule.NextRun,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create schedule: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	stored, err := s.Schedule(ctx, schedule.ID)
	if err != nil {
		return nil, false, err
	}

	return stored, inserted == 1, nil
}

func (s *Store) Schedule(ctx context.Context, id string) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	schedule, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	return schedule, nil
}

// UpdateSchedule locks the row, applies the merge function and writes the
// result back inside one transaction.
func (s *Store) UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) (*models.Schedule, error) {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1 FOR UPDATE`

	schedule, err := scanSchedule(transaction.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	if err := update(schedule); err != nil {
		return nil, err
	}

	inputJSON, err := marshalJSON(schedule.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schedule input: %w", err)
	}

	schedule.UpdatedAt = time.Now().UTC()

	writeQuery := `
		UPDATE schedules
		SET task_id = $2, type = $3, pattern = $4, interval_ms = $5,
			input = $6, status = $7, last_run = $8, next_run = $9,
			updated_at = $10
		WHERE id = $1
	`

	_, err = transaction.ExecContext(ctx, writeQuery,
		id,
		schedule.TaskID,
		schedule.Type,
		nullable(schedule.Pattern),
		schedule.IntervalMS,
		inputJSON,
		schedule.Status,
		schedule.LastRun,
		schedule.NextRun,
		schedule.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schedule update: %w", err)
	}

	return schedule, nil
}

func (s *Store) Schedules(ctx context.Context) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*models.Schedule, error) {
	var (
		schedule         models.Schedule
		pattern          sql.NullString
		inputJSON        []byte
		lastRun, nextRun sql.NullTime
	)

	err := scanner.Scan(
		&schedule.ID,
		&schedule.TaskID,
		&schedule.Type,
		&pattern,
		&schedule.IntervalMS,
		&inputJSON,
		&schedule.Status,
		&lastRun,
		&nextRun,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Pattern = pattern.String

	if lastRun.Valid {
		at := lastRun.Time
		schedule.LastRun = &at
	}

	if nextRun.Valid {
		at := nextRun.Time
		schedule.NextRun = &at
	}

	if err := unmarshalJSON(inputJSON, &schedule.Input); err != nil {
		return nil, err
	}

	return &schedule, nil
}
