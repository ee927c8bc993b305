package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/perdura/pkg/models"
	"github.com/perdura/perdura/pkg/store"
)

type SignalKind string

const (
	KindSignal  SignalKind = "signal"
	KindTimeout SignalKind = "timeout"
)

// SignalResult is the outcome of a WaitForSignal checkpoint.
type SignalResult struct {
	Kind    SignalKind `json:"kind"`
	Payload any        `json:"payload,omitempty"`
}

// WaitOptions configures a WaitForSignal call. ID pins the checkpoint to a
// stable explicit id instead of the positional index; TimeoutMS races a
// signal_timeout timer against the signal.
type WaitOptions struct {
	ID        string
	TimeoutMS int64
}

// WaitForSignal suspends until an external Signal call delivers a payload,
// or until the optional timeout fires, whichever comes first. Without a
// timeout an unresolved wait blocks indefinitely.
func (c *Context) WaitForSignal(ctx context.Context, sig models.SignalKey, opts WaitOptions) (SignalResult, error) {
	name := sig.SignalName()

	slot := opts.ID
	if slot == "" {
		slot = fmt.Sprintf("%d", c.nextIndex("__signal:"+name))
	}

	id := fmt.Sprintf("__signal:%s:%s", name, slot)

	if err := c.checkpoint(ctx); err != nil {
		return SignalResult{}, err
	}

	cached, err := c.store.StepResult(ctx, c.executionID, id)
	if err == nil {
		result, derr := decodeSignalResult(cached.Value)
		if derr != nil {
			return SignalResult{}, derr
		}

		if result.Kind == KindTimeout && opts.TimeoutMS <= 0 {
			return SignalResult{}, ErrUnexpectedTimeout
		}

		return result, nil
	}

	if !errors.Is(err, store.ErrStepResultNotFound) {
		return SignalResult{}, fmt.Errorf("failed to look up signal step %s: %w", id, err)
	}

	// A payload delivered before this slot was reached is consumed now:
	// deliver-to-current-or-next, never broadcast.
	payload, buffered, err := c.store.TakeBufferedSignal(ctx, c.executionID, name)
	if err != nil {
		return SignalResult{}, fmt.Errorf("failed to drain buffered signal %s: %w", name, err)
	}

	if buffered {
		return c.resolveBuffered(ctx, id, name, payload)
	}

	if err := c.store.RegisterWaiter(ctx, c.executionID, name, id); err != nil {
		return SignalResult{}, fmt.Errorf("failed to register signal waiter: %w", err)
	}

	// A Signal landing between the drain above and the registration buffers
	// its payload without resuming anyone. Drain once more now that the slot
	// exists; the write-once step result converges a collision with a
	// concurrent delivery into the same slot.
	payload, buffered, err = c.store.TakeBufferedSignal(ctx, c.executionID, name)
	if err != nil {
		return SignalResult{}, fmt.Errorf("failed to drain buffered signal %s: %w", name, err)
	}

	if buffered {
		if _, rerr := c.store.RemoveWaiter(ctx, c.executionID, id); rerr != nil {
			return SignalResult{}, fmt.Errorf("failed to remove signal waiter %s: %w", id, rerr)
		}

		return c.resolveBuffered(ctx, id, name, payload)
	}

	if opts.TimeoutMS > 0 {
		_, terr := c.store.TimerForStep(ctx, c.executionID, id)
		if errors.Is(terr, store.ErrTimerNotFound) {
			fireAt := time.Now().UTC().Add(time.Duration(opts.TimeoutMS) * time.Millisecond)

			timer := models.NewExecutionTimer(c.executionID, id, models.TimerSignalTimeout, fireAt)
			if err := c.store.SaveTimer(ctx, timer); err != nil {
				return SignalResult{}, fmt.Errorf("failed to persist signal timeout timer: %w", err)
			}
		} else if terr != nil {
			return SignalResult{}, fmt.Errorf("failed to look up signal timeout timer: %w", terr)
		}
	}

	return SignalResult{}, c.suspend(ctx)
}

// resolveBuffered consumes a buffered payload as this slot's result.
func (c *Context) resolveBuffered(ctx context.Context, id, name string, payload any) (SignalResult, error) {
	result := SignalResult{Kind: KindSignal, Payload: payload}

	stored, err := c.store.SaveStepResult(ctx, models.NewStepResult(c.executionID, id, result))
	if err != nil {
		return SignalResult{}, fmt.Errorf("failed to persist signal step %s: %w", id, err)
	}

	c.audit(ctx, models.AuditSignal, name, payload)

	return decodeSignalResult(stored.Value)
}

// decodeSignalResult tolerates both in-process SignalResult values and the
// generic map shape a JSON-roundtripping backend hands back.
func decodeSignalResult(value any) (SignalResult, error) {
	switch v := value.(type) {
	case SignalResult:
		return v, nil
	case map[string]any:
		kind, _ := v["kind"].(string)

		return SignalResult{Kind: SignalKind(kind), Payload: v["payload"]}, nil
	default:
		return SignalResult{}, fmt.Errorf("unexpected signal result shape %T", value)
	}
}
