package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

const executionColumns = `id, task_id, input, status, result, error,
	attempt, max_attempts, timeout_ms, created_at, updated_at, completed_at`

func (s *Store) CreateExecution(ctx context.Context, execution *models.Execution) error {
	inputJSON, err := marshalJSON(execution.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	resultJSON, err := marshalJSON(execution.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	errorJSON, err := marshalJSON(execution.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		execution.ID,
		execution.TaskID,
		inputJSON,
		execution.Status,
		resultJSON,
		errorJSON,
		execution.Attempt,
		execution.MaxAttempts,
		execution.TimeoutMS,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if inserted == 0 {
		return store.ErrExecutionExists
	}

	return nil
}

func (s *Store) Execution(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// UpdateExecution locks the row, applies the merge function and writes the
// result back inside one transaction.
func (s *Store) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) (*models.Execution, error) {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = transaction.Rollback()
	}()

	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1 FOR UPDATE`

	execution, err := scanExecution(transaction.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	if err := update(execution); err != nil {
		return nil, err
	}

	resultJSON, err := marshalJSON(execution.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	errorJSON, err := marshalJSON(execution.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error: %w", err)
	}

	execution.UpdatedAt = time.Now().UTC()

	writeQuery := `
		UPDATE executions
		SET status = $2, result = $3, error = $4, attempt = $5,
			max_attempts = $6, timeout_ms = $7, updated_at = $8,
			completed_at = $9
		WHERE id = $1
	`

	_, err = transaction.ExecContext(ctx, writeQuery,
		id,
		execution.Status,
		resultJSON,
		errorJSON,
		execution.Attempt,
		execution.MaxAttempts,
		execution.TimeoutMS,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit execution update: %w", err)
	}

	return execution, nil
}

func (s *Store) Executions(ctx context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	args := make([]any, 0, 4)

	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		query += fmt.Sprintf(" AND task_id = $%d", len(args))
	}

	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}

		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryExecutions(ctx, query, args...)
}

func (s *Store) NonTerminalExecutions(ctx context.Context) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status NOT IN ('completed', 'failed', 'cancelled', 'compensation_failed')
		ORDER BY created_at ASC
	`

	return s.queryExecutions(ctx, query)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.Execution, error) {
	var (
		execution                      models.Execution
		inputJSON, resultJSON, errJSON []byte
		completedAt                    sql.NullTime
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.TaskID,
		&inputJSON,
		&execution.Status,
		&resultJSON,
		&errJSON,
		&execution.Attempt,
		&execution.MaxAttempts,
		&execution.TimeoutMS,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		at := completedAt.Time
		execution.CompletedAt = &at
	}

	if err := unmarshalJSON(inputJSON, &execution.Input); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(resultJSON, &execution.Result); err != nil {
		return nil, err
	}

	if errJSON != nil {
		execution.Error = &models.ExecutionError{}
		if err := unmarshalJSON(errJSON, execution.Error); err != nil {
			return nil, err
		}
	}

	return &execution, nil
}
