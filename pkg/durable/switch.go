package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

// Branch is one arm of a Switch. Match is evaluated on first execution
// only; Run executes the chosen arm.
type Branch struct {
	ID    string
	Match func(value any) bool
	Run   func(ctx context.Context) (any, error)
}

// SwitchOutcome is the persisted choice of a Switch checkpoint.
type SwitchOutcome struct {
	BranchID string `json:"branch_id"`
	Result   any    `json:"result,omitempty"`
}

// Switch evaluates branches in order on first execution, runs the first
// match and persists the chosen branch with its result. On replay the
// cached pair is returned without re-evaluating matchers or re-running the
// branch, even if the matcher functions changed between releases.
func (c *Context) Switch(ctx context.Context, id string, value any, branches []Branch, defaultBranch *Branch) (SwitchOutcome, error) {
	if err := validateStepID(id); err != nil {
		return SwitchOutcome{}, err
	}

	if err := c.checkpoint(ctx); err != nil {
		return SwitchOutcome{}, err
	}

	cached, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		return decodeSwitchOutcome(cached.Value)
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return SwitchOutcome{}, fmt.Errorf("failed to look up switch %s: %w", id, err)
	}

	chosen := defaultBranch

	for i := range branches {
		if branches[i].Match != nil && branches[i].Match(value) {
			chosen = &branches[i]

			break
		}
	}

	if chosen == nil {
		return SwitchOutcome{}, fmt.Errorf("switch %s: %w", id, ErrNoMatchingBranch)
	}

	result, err := chosen.Run(ctx)
	if err != nil {
		return SwitchOutcome{}, fmt.Errorf("switch %s branch %s failed: %w", id, chosen.ID, err)
	}

	outcome := SwitchOutcome{BranchID: chosen.ID, Result: result}

	stored, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, id, outcome))
	if err != nil {
		return SwitchOutcome{}, fmt.Errorf("failed to persist switch %s: %w", id, err)
	}

	c.audit(ctx, models.AuditCheckpoint, id, outcome.BranchID)

	return decodeSwitchOutcome(stored.Value)
}

func decodeSwitchOutcome(value any) (SwitchOutcome, error) {
	switch v := value.(type) {
	case SwitchOutcome:
		return v, nil
	case map[string]any:
		branchID, _ := v["branch_id"].(string)

		return SwitchOutcome{BranchID: branchID, Result: v["result"]}, nil
	default:
		return SwitchOutcome{}, fmt.Errorf("unexpected switch outcome shape %T", value)
	}
}
