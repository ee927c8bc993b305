// Package operator provides the dashboard-facing read and administrative
// surface over the store. Its methods are the only sanctioned write path
// outside normal execution; authentication belongs to the embedding
// application.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

var (
	ErrNotCompensationFailed = errors.New("execution is not in compensation_failed")
	ErrAlreadyTerminal       = errors.New("execution already terminal")
	ErrOperatorUnsupported   = errors.New("store does not support operator writes")
)

// Resumer resubmits an execution after an administrative repair. The
// orchestrator satisfies it.
type Resumer interface {
	Resume(ctx context.Context, executionID string) error
}

type Service struct {
	store   store.Store
	resumer Resumer
	logger  *slog.Logger
}

func NewService(st store.Store, resumer Resumer, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		resumer: resumer,
		logger:  logger.With("module", "operator"),
	}
}

// ExecutionDetail is the full dashboard view of one execution.
type ExecutionDetail struct {
	Execution   *models.Execution    `json:"execution"`
	StepResults []*models.StepResult `json:"step_results"`
	Audit       []*models.AuditEntry `json:"audit"`
}

func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	return s.store.Executions(ctx, filter)
}

func (s *Service) GetExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	execution, err := s.store.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	steps, err := s.store.StepResults(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results: %w", err)
	}

	audit, err := s.store.Audit(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit: %w", err)
	}

	return &ExecutionDetail{Execution: execution, StepResults: steps, Audit: audit}, nil
}

func (s *Service) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return s.store.Schedules(ctx)
}

// RetryRollback reopens a compensation_failed execution so the remaining
// compensations run again. This is the single sanctioned exception to the
// terminal-statuses-never-revert invariant.
func (s *Service) RetryRollback(ctx context.Context, executionID string) error {
	_, err := s.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status != models.ExecutionCompensationFailed {
			return ErrNotCompensationFailed
		}

		execution.Status = models.ExecutionRetrying
		execution.CompletedAt = nil

		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, executionID, models.AuditAdminRetryRB, "", nil)

	return s.resumer.Resume(ctx, executionID)
}

// SkipStep pre-seeds a step result so replay treats the step as done. The
// value becomes the step's return on replay.
func (s *Service) SkipStep(ctx context.Context, executionID, stepID string, value any) error {
	if _, err := s.store.Execution(ctx, executionID); err != nil {
		return err
	}

	if _, err := s.store.SaveStepResult(ctx, models.NewStepResult(executionID, stepID, value)); err != nil {
		return fmt.Errorf("failed to seed step result: %w", err)
	}

	s.audit(ctx, executionID, models.AuditAdminSkipStep, stepID, value)

	return nil
}

// ForceFail moves a non-terminal execution to failed by administrative
// decision.
func (s *Service) ForceFail(ctx context.Context, executionID, reason string) error {
	_, err := s.store.UpdateExecution(ctx, executionID, func(execution *models.Execution) error {
		if execution.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionFailed
		execution.Error = &models.ExecutionError{Message: reason}
		execution.CompletedAt = &now

		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, executionID, models.AuditAdminForceFail, "", reason)

	return nil
}

// EditStepResult overwrites a persisted step result, bypassing the
// write-once discipline and the determinism guarantees built on it. Always
// audited.
func (s *Service) EditStepResult(ctx context.Context, executionID, stepID string, value any) error {
	operatorStore, ok := s.store.(store.OperatorStore)
	if !ok {
		return ErrOperatorUnsupported
	}

	if _, err := s.store.Execution(ctx, executionID); err != nil {
		return err
	}

	if err := operatorStore.OverwriteStepResult(ctx, models.NewStepResult(executionID, stepID, value)); err != nil {
		return fmt.Errorf("failed to overwrite step result: %w", err)
	}

	s.audit(ctx, executionID, models.AuditAdminEditStep, stepID, value)

	return nil
}

func (s *Service) audit(ctx context.Context, executionID, kind, label string, data any) {
	if err := s.store.AppendAudit(ctx, models.NewAuditEntry(executionID, kind, label, data)); err != nil {
		s.logger.WarnContext(ctx, "Failed to append admin audit entry",
			"execution_id", executionID, "kind", kind, "error", err)
	}
}
