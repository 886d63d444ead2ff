// Package workflow provides the durable step runner: memoized,
// replay-safe step execution, event-based suspension and fire-and-forget
// pipeline dispatch. Every side-effecting step the agent core performs
// goes through a Runner so that a re-invoked workflow execution skips
// already-committed work instead of repeating it.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyStepName is returned when a step is run without a name.
	// Step names are the memoization keys; they must be derived from
	// stable identifiers, never from clocks or randomness.
	ErrEmptyStepName = errors.New("workflow: step name must not be empty")

	// ErrEventWaitCanceled is returned when a WaitForEvent is abandoned
	// before the event arrives.
	ErrEventWaitCanceled = errors.New("workflow: event wait canceled")
)

// StepFunc is the side-effecting body of one named step. Its return
// payload is committed to the memo store on success; errors are not
// memoized, so a failed step re-executes on the next replay.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// TriggerRequest describes a fire-and-forget dispatch to an out-of-band
// pipeline. FlowControlKey lets the receiving side limit concurrency per
// pipeline.
type TriggerRequest struct {
	URL            string
	Body           any
	FlowControlKey string
}

// Runner is the substrate contract the agent core executes against.
//
// Run executes fn at most once per name within a run: replays return the
// memoized payload without invoking fn again. WaitForEvent suspends the
// caller until an event with the given key is published; it must not be
// nested inside Run, since the engine tracks delivery itself. Sleep is a
// replay-safe delay. Trigger dispatches work to an external pipeline.
type Runner interface {
	Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error)
	WaitForEvent(ctx context.Context, name, eventKey string) (json.RawMessage, error)
	Sleep(ctx context.Context, name string, d time.Duration) error
	Trigger(ctx context.Context, req TriggerRequest) error
}

// RunAs executes a typed step through r, marshaling the result through
// the memo store so replays decode the committed payload.
func RunAs[T any](ctx context.Context, r Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	payload, err := r.Run(ctx, name, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode step %q result: %w", name, err)
		}
		return raw, nil
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, fmt.Errorf("decode step %q result: %w", name, err)
	}
	return out, nil
}

// MemoStore persists committed step results keyed by (runID, step).
type MemoStore interface {
	GetMemo(ctx context.Context, runID, step string) (json.RawMessage, bool, error)
	PutMemo(ctx context.Context, runID, step string, payload json.RawMessage) error
}

// EventStore persists published events that had no attached waiter, so a
// completion published while the workflow is suspended elsewhere is not
// lost. TakeEvent consumes the event.
type EventStore interface {
	PutEvent(ctx context.Context, key string, payload json.RawMessage) error
	TakeEvent(ctx context.Context, key string) (json.RawMessage, bool, error)
}
