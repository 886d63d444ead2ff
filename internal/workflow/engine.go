package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iHeyTang/heyfun/internal/observability"
)

// Engine is a Runner bound to a single workflow run. It memoizes step
// results by (runID, step name) so that a physically re-invoked
// execution replays through committed steps without repeating their side
// effects.
type Engine struct {
	runID   string
	memos   MemoStore
	hub     *Hub
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient sets the client used for Trigger dispatches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithMetrics enables memo-hit instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine for one run. Engines for the same runID
// share memoization through the store, which is what makes replay safe.
func NewEngine(runID string, memos MemoStore, hub *Hub, opts ...Option) *Engine {
	e := &Engine{
		runID:  runID,
		memos:  memos,
		hub:    hub,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID returns the identifier this engine memoizes under.
func (e *Engine) RunID() string { return e.runID }

// Run executes fn at most once for the given step name. A memo hit
// returns the committed payload without invoking fn. Errors are not
// committed: a failed step runs again on the next replay, which is why
// business-rule failures must be encoded into the payload rather than
// returned as errors.
func (e *Engine) Run(ctx context.Context, name string, fn StepFunc) (json.RawMessage, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if payload, ok, err := e.memos.GetMemo(ctx, e.runID, name); err != nil {
		return nil, fmt.Errorf("workflow: read memo %q: %w", name, err)
	} else if ok {
		e.logger.Debug("workflow step replayed from memo", "run", e.runID, "step", name)
		if e.metrics != nil {
			e.metrics.WorkflowMemoHits.Inc()
		}
		return payload, nil
	}
	payload, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	if err := e.memos.PutMemo(ctx, e.runID, name, payload); err != nil {
		return nil, fmt.Errorf("workflow: commit memo %q: %w", name, err)
	}
	return payload, nil
}

// WaitForEvent suspends until an event with eventKey is published. The
// delivered payload is committed under the wait's step name, so a replay
// after delivery resolves immediately instead of re-subscribing.
func (e *Engine) WaitForEvent(ctx context.Context, name, eventKey string) (json.RawMessage, error) {
	if name == "" {
		return nil, ErrEmptyStepName
	}
	if payload, ok, err := e.memos.GetMemo(ctx, e.runID, name); err != nil {
		return nil, fmt.Errorf("workflow: read memo %q: %w", name, err)
	} else if ok {
		if e.metrics != nil {
			e.metrics.WorkflowMemoHits.Inc()
		}
		return payload, nil
	}
	ch, err := e.hub.subscribe(ctx, eventKey)
	if err != nil {
		return nil, fmt.Errorf("workflow: subscribe %q: %w", eventKey, err)
	}
	e.logger.Debug("workflow suspended on event", "run", e.runID, "step", name, "event", eventKey)
	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, ErrEventWaitCanceled
		}
		if err := e.memos.PutMemo(ctx, e.runID, name, payload); err != nil {
			return nil, fmt.Errorf("workflow: commit event memo %q: %w", name, err)
		}
		return payload, nil
	case <-ctx.Done():
		if err := e.hub.abandon(ctx, eventKey, ch); err != nil {
			e.logger.Error("respill abandoned event", "event", eventKey, "error", err)
		}
		return nil, ctx.Err()
	}
}

// Sleep delays for d, committing completion so replays do not sleep
// again.
func (e *Engine) Sleep(ctx context.Context, name string, d time.Duration) error {
	if name == "" {
		return ErrEmptyStepName
	}
	if _, ok, err := e.memos.GetMemo(ctx, e.runID, name); err != nil {
		return fmt.Errorf("workflow: read memo %q: %w", name, err)
	} else if ok {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.memos.PutMemo(ctx, e.runID, name, json.RawMessage(`"slept"`))
}

// Trigger dispatches a JSON body to an out-of-band pipeline. The flow
// control key lets the pipeline bound concurrent work per queue. A
// non-2xx response surfaces as an error so a partially completed tool
// step fails loudly instead of going silently stuck.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) error {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("workflow: encode trigger body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("workflow: build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.FlowControlKey != "" {
		httpReq.Header.Set("X-Flow-Control-Key", req.FlowControlKey)
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("workflow: trigger %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workflow: trigger %s: unexpected status %d", req.URL, resp.StatusCode)
	}
	return nil
}
