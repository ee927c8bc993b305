// Package registry maps task ids to workflow functions. It is the engine's
// task-execution collaborator: the orchestrator asks it to run a task with
// an input and gets a result or error back, and the embedding framework is
// free to wrap handlers with its own DI or middleware before registration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already registered")
	ErrInvalidInput      = errors.New("task input failed schema validation")
)

// WorkflowFunc is a durable workflow body. It must be re-entrant: the
// engine re-invokes it from the top on every resume and relies on the
// context's memoization to skip completed work.
type WorkflowFunc func(ctx context.Context, wctx *durable.Context, input map[string]any) (any, error)

// TaskDefinition describes one registered task. InputSchema, when present,
// is a JSON Schema the input must satisfy before an execution starts.
type TaskDefinition struct {
	ID          string
	Description string
	Handler     WorkflowFunc
	InputSchema map[string]any
}

type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*TaskDefinition
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "registry"),
		tasks:  make(map[string]*TaskDefinition),
	}
}

func (r *Registry) Register(def *TaskDefinition) error {
	if def.ID == "" || def.Handler == nil {
		return errors.New("task definition requires an id and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyExists, def.ID)
	}

	r.tasks[def.ID] = def

	return nil
}

func (r *Registry) Task(id string) (*TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return def, nil
}

func (r *Registry) TaskIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}

	return ids
}

// ValidateInput checks an input against the task's schema, if any.
func (r *Registry) ValidateInput(taskID string, input map[string]any) error {
	def, err := r.Task(taskID)
	if err != nil {
		return err
	}

	if def.InputSchema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(def.InputSchema)
	dataLoader := gojsonschema.NewGoLoader(input)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate input for task %s: %w", taskID, err)
	}

	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			details += desc.String() + "; "
		}

		return fmt.Errorf("%w: %s", ErrInvalidInput, details)
	}

	return nil
}

// Run implements durable.Runner.
func (r *Registry) Run(ctx context.Context, execution *models.Execution, wctx *durable.Context) (any, error) {
	def, err := r.Task(execution.TaskID)
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "Running task", "task_id", execution.TaskID, "execution_id", execution.ID)

	return def.Handler(ctx, wctx, execution.Input)
}
