package durable_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/perdura/pkg/durable"
	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store/memory"
)

func TestRollbackRunsCompensationsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	execution := newTestExecution(t, st)

	wctx := durable.NewContext(execution.ID, st)

	var undone []string

	for _, id := range []string{"reserve", "charge", "ship"} {
		_, err := wctx.Compensable(ctx, id,
			func(_ context.Context) (any, error) { return id + "-done", nil },
			func(_ context.Context) error {
				undone = append(undone, id)

				return nil
			})
		require.NoError(t, err)
	}

	require.NoError(t, wctx.Rollback(ctx))
	assert.Equal(t, []string{"ship", "charge", "reserve"}, undone)
}

func TestRollbackStopsOnCompensationFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	execution := newTestExecution(t, st)

	wctx := durable.NewContext(execution.ID, st)

	var undone []string

	down := func(id string, fail bool) func(ctx context.Context) error {
		return func(_ context.Context) error {
			if fail {
				return errors.New("refund rejected")
			}

			undone = append(undone, id)

			return nil
		}
	}

	_, err := wctx.Compensable(ctx, "reserve", func(_ context.Context) (any, error) { return nil, nil }, down("reserve", false))
	require.NoError(t, err)
	_, err = wctx.Compensable(ctx, "charge", func(_ context.Context) (any, error) { return nil, nil }, down("charge", true))
	require.NoError(t, err)
	_, err = wctx.Compensable(ctx, "ship", func(_ context.Context) (any, error) { return nil, nil }, down("ship", false))
	require.NoError(t, err)

	err = wctx.Rollback(ctx)
	require.ErrorIs(t, err, durable.ErrCompensationFailed)

	// ship was undone, charge failed, reserve never ran.
	assert.Equal(t, []string{"ship"}, undone)

	loaded, lerr := st.Execution(ctx, execution.ID)
	require.NoError(t, lerr)
	assert.Equal(t, models.ExecutionCompensationFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	assert.Contains(t, loaded.Error.Message, "charge")
}

func TestRollbackRetrySkipsCompletedCompensations(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	execution := newTestExecution(t, st)

	build := func(wctx *durable.Context, undone *[]string, chargeFails bool) {
		for _, id := range []string{"reserve", "charge", "ship"} {
			_, err := wctx.Compensable(ctx, id,
				func(_ context.Context) (any, error) { return nil, nil },
				func(_ context.Context) error {
					if id == "charge" && chargeFails {
						return errors.New("refund rejected")
					}

					*undone = append(*undone, id)

					return nil
				})
			require.NoError(t, err)
		}
	}

	var firstPass []string

	wctx := durable.NewContext(execution.ID, st)
	build(wctx, &firstPass, true)
	require.ErrorIs(t, wctx.Rollback(ctx), durable.ErrCompensationFailed)
	assert.Equal(t, []string{"ship"}, firstPass)

	// An operator clears the terminal state and the rollback is retried.
	_, err := st.UpdateExecution(ctx, execution.ID, func(e *models.Execution) error {
		e.Status = models.ExecutionRetrying
		e.Error = nil
		e.CompletedAt = nil

		return nil
	})
	require.NoError(t, err)

	var secondPass []string

	wctx = durable.NewContext(execution.ID, st)
	build(wctx, &secondPass, false)
	require.NoError(t, wctx.Rollback(ctx))

	// ship is memoized from the first pass; only charge and reserve run.
	assert.Equal(t, []string{"charge", "reserve"}, secondPass)
}
