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

const timerColumns = `id, execution_id, step_id, schedule_id, type, fire_at, status, created_at`

func (s *Store) SaveTimer(ctx context.Context, timer *models.Timer) error {
	query := `
		INSERT INTO timers (` + timerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			fire_at = EXCLUDED.fire_at,
			status = EXCLUDED.status
	`

	_, err := s.db.ExecContext(ctx, query,
		timer.ID,
		nullable(timer.ExecutionID),
		nullable(timer.StepID),
		nullable(timer.ScheduleID),
		timer.Type,
		timer.FireAt,
		timer.Status,
		timer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save timer: %w", err)
	}

	return nil
}

func (s *Store) Timer(ctx context.Context, id string) (*models.Timer, error) {
	query := `SELECT ` + timerColumns + ` FROM timers WHERE id = $1`

	timer, err := scanTimer(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTimerNotFound
		}

		return nil, fmt.Errorf("failed to scan timer: %w", err)
	}

	return timer, nil
}

func (s *Store) TimerForStep(ctx context.Context, executionID, stepID string) (*models.Timer, error) {
	query := `
		SELECT ` + timerColumns + `
		FROM timers
		WHERE execution_id = $1 AND step_id = $2 AND status = 'pending'
		LIMIT 1
	`

	timer, err := scanTimer(s.db.QueryRowContext(ctx, query, executionID, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTimerNotFound
		}

		return nil, fmt.Errorf("failed to scan timer: %w", err)
	}

	return timer, nil
}

// DueTimers excludes timers under an unexpired claim so a second poller
// does not act on a leased timer.
func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*models.Timer, error) {
	query := `
		SELECT ` + timerColumns + `
		FROM timers
		WHERE status = 'pending' AND fire_at <= $1
			AND (claim_expires_at IS NULL OR claim_expires_at <= $1)
		ORDER BY fire_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	timers := make([]*models.Timer, 0)

	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}

		timers = append(timers, timer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timers: %w", err)
	}

	return timers, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	query := `
		UPDATE timers
		SET status = 'fired', claimed_by = NULL, claim_expires_at = NULL
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark timer fired: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if updated == 0 {
		return store.ErrTimerNotFound
	}

	return nil
}

// ClaimTimer takes a TTL lease through a conditional UPDATE: exactly one
// concurrent caller's row mutation applies. Claims are owner-reentrant.
func (s *Store) ClaimTimer(ctx context.Context, timerID, owner string, ttl time.Duration) (bool, error) {
	query := `
		UPDATE timers
		SET claimed_by = $2, claim_expires_at = $3
		WHERE id = $1 AND status = 'pending'
			AND (claimed_by = $2 OR claim_expires_at IS NULL OR claim_expires_at <= NOW())
	`

	result, err := s.db.ExecContext(ctx, query, timerID, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim timer: %w", err)
	}

	claimed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return claimed == 1, nil
}

func scanTimer(scanner interface {
	Scan(dest ...any) error
}) (*models.Timer, error) {
	var (
		timer                           models.Timer
		executionID, stepID, scheduleID sql.NullString
	)

	err := scanner.Scan(
		&timer.ID,
		&executionID,
		&stepID,
		&scheduleID,
		&timer.Type,
		&timer.FireAt,
		&timer.Status,
		&timer.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	timer.ExecutionID = executionID.String
	timer.StepID = stepID.String
	timer.ScheduleID = scheduleID.String

	return &timer, nil
}
