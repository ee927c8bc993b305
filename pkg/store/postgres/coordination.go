package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/perdura/perdura/pkg/models"
)

const uniqueViolation = "23505"

// AppendAudit assigns the next per-execution sequence number inside the
// insert itself; the (execution_id, seq) primary key rejects a lost update,
// and the colliding writer recomputes its sequence number.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	dataJSON, err := marshalJSON(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal audit data: %w", err)
	}

	query := `
		INSERT INTO audit_entries (execution_id, seq, kind, label, data, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb, $5
		FROM audit_entries
		WHERE execution_id = $1
	`

	for range 3 {
		_, err = s.db.ExecContext(ctx, query,
			entry.ExecutionID,
			entry.Kind,
			nullable(entry.Label),
			dataJSON,
			entry.At,
		)
		if err == nil {
			return nil
		}

		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
			break
		}
	}

	return fmt.Errorf("failed to append audit entry: %w", err)
}

func (s *Store) Audit(ctx context.Context, executionID string) ([]*models.AuditEntry, error) {
	query := `
		SELECT execution_id, seq, kind, label, data, at
		FROM audit_entries
		WHERE execution_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	entries := make([]*models.AuditEntry, 0)

	for rows.Next() {
		var (
			entry    models.AuditEntry
			label    sql.NullString
			dataJSON []byte
		)

		err := rows.Scan(&entry.ExecutionID, &entry.Seq, &entry.Kind, &label, &dataJSON, &entry.At)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.Label = label.String

		if err := unmarshalJSON(dataJSON, &entry.Data); err != nil {
			return nil, err
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

func (s *Store) RegisterWaiter(ctx context.Context, executionID, signal, stepID string) error {
	query := `
		INSERT INTO signal_waiters (execution_id, signal, step_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, step_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query, executionID, signal, stepID)
	if err != nil {
		return fmt.Errorf("failed to register signal waiter: %w", err)
	}

	return nil
}

// TakeWaiter removes and returns the oldest outstanding slot for the
// signal. SKIP LOCKED keeps concurrent deliveries from resolving the same
// slot twice.
func (s *Store) TakeWaiter(ctx context.Context, executionID, signal string) (string, bool, error) {
	query := `
		DELETE FROM signal_waiters
		WHERE id = (
			SELECT id FROM signal_waiters
			WHERE execution_id = $1 AND signal = $2
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING step_id
	`

	var stepID string

	err := s.db.QueryRowContext(ctx, query, executionID, signal).Scan(&stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("failed to take signal waiter: %w", err)
	}

	return stepID, true, nil
}

func (s *Store) RemoveWaiter(ctx context.Context, executionID, stepID string) (bool, error) {
	query := `DELETE FROM signal_waiters WHERE execution_id = $1 AND step_id = $2`

	result, err := s.db.ExecContext(ctx, query, executionID, stepID)
	if err != nil {
		return false, fmt.Errorf("failed to remove signal waiter: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return removed > 0, nil
}

func (s *Store) BufferSignal(ctx context.Context, executionID, signal string, payload any) error {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	query := `
		INSERT INTO signal_buffer (execution_id, signal, payload)
		VALUES ($1, $2, $3)
	`

	if _, err := s.db.ExecContext(ctx, query, executionID, signal, payloadJSON); err != nil {
		return fmt.Errorf("failed to buffer signal: %w", err)
	}

	return nil
}

// TakeBufferedSignal pops the oldest buffered payload, FIFO per signal.
func (s *Store) TakeBufferedSignal(ctx context.Context, executionID, signal string) (any, bool, error) {
	query := `
		DELETE FROM signal_buffer
		WHERE id = (
			SELECT id FROM signal_buffer
			WHERE execution_id = $1 AND signal = $2
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload
	`

	var payloadJSON []byte

	err := s.db.QueryRowContext(ctx, query, executionID, signal).Scan(&payloadJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to take buffered signal: %w", err)
	}

	var payload any
	if err := unmarshalJSON(payloadJSON, &payload); err != nil {
		return nil, false, err
	}

	return payload, true, nil
}

// ReserveIdempotencyKey inserts the mapping if absent and reads back the
// winner, so every concurrent caller converges on one execution id.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, taskID, key, executionID string) (string, error) {
	insertQuery := `
		INSERT INTO idempotency_keys (task_id, key, execution_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id, key) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, insertQuery, taskID, key, executionID); err != nil {
		return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	var winner string

	err := s.db.QueryRowContext(ctx,
		"SELECT execution_id FROM idempotency_keys WHERE task_id = $1 AND key = $2",
		taskID, key).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("failed to read idempotency winner: %w", err)
	}

	return winner, nil
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, taskID, key, executionID string) error {
	query := `
		DELETE FROM idempotency_keys
		WHERE task_id = $1 AND key = $2 AND execution_id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, taskID, key, executionID); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}

	return nil
}

// AcquireExecutionLock upserts the lock row; the conditional DO UPDATE
// applies only when the holder matches or the lease expired.
func (s *Store) AcquireExecutionLock(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO execution_locks (execution_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE execution_locks.owner = EXCLUDED.owner
			OR execution_locks.expires_at <= NOW()
	`

	result, err := s.db.ExecContext(ctx, query, executionID, owner, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire execution lock: %w", err)
	}

	acquired, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return acquired == 1, nil
}

func (s *Store) ReleaseExecutionLock(ctx context.Context, executionID, owner string) error {
	query := `DELETE FROM execution_locks WHERE execution_id = $1 AND owner = $2`

	if _, err := s.db.ExecContext(ctx, query, executionID, owner); err != nil {
		return fmt.Errorf("failed to release execution lock: %w", err)
	}

	return nil
}
