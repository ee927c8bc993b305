package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// SaveStepResult is write-once: ON CONFLICT DO NOTHING leaves the first
// writer's row in place, and the read-back returns it to every caller.
func (s *Store) SaveStepResult(ctx context.Context, result *models.StepResult) (*models.StepResult, error) {
	valueJSON, err := marshalJSON(result.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step value: %w", err)
	}

	query := `
		INSERT INTO step_results (execution_id, step_id, value, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, step_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ExecutionID,
		result.StepID,
		valueJSON,
		result.Status,
		result.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save step result: %w", err)
	}

	return s.StepResult(ctx, result.ExecutionID, result.StepID)
}

func (s *Store) StepResult(ctx context.Context, executionID, stepID string) (*models.StepResult, error) {
	query := `
		SELECT execution_id, step_id, value, status, created_at
		FROM step_results
		WHERE execution_id = $1 AND step_id = $2
	`

	result, err := scanStepResult(s.db.QueryRowContext(ctx, query, executionID, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrStepResultNotFound
		}

		return nil, fmt.Errorf("failed to scan step result: %w", err)
	}

	return result, nil
}

func (s *Store) StepResults(ctx context.Context, executionID string) ([]*models.StepResult, error) {
	query := `
		SELECT execution_id, step_id, value, status, created_at
		FROM step_results
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step results: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	results := make([]*models.StepResult, 0)

	for rows.Next() {
		result, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return results, nil
}

// OverwriteStepResult bypasses the write-once discipline. Operator use only;
// the caller is responsible for auditing.
func (s *Store) OverwriteStepResult(ctx context.Context, result *models.StepResult) error {
	valueJSON, err := marshalJSON(result.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal step value: %w", err)
	}

	query := `
		INSERT INTO step_results (execution_id, step_id, value, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			value = EXCLUDED.value,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ExecutionID,
		result.StepID,
		valueJSON,
		result.Status,
		result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to overwrite step result: %w", err)
	}

	return nil
}

func scanStepResult(scanner interface {
	Scan(dest ...any) error
}) (*models.StepResult, error) {
	var (
		result    models.StepResult
		valueJSON []byte
	)

	err := scanner.Scan(
		&result.ExecutionID,
		&result.StepID,
		&valueJSON,
		&result.Status,
		&result.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(valueJSON, &result.Value); err != nil {
		return nil, err
	}

	return &result, nil
}
