package agent

import "github.com/iHeyTang/heyfun/internal/workflow"

// ExecutionContext is the per-invocation capability bundle handed to an
// executor: identity of the calling task, the durable step runner for
// replay-safe side effects, and the completion signal. A fresh context
// is created for every dispatch and discarded after it.
type ExecutionContext struct {
	OrganizationID string
	SessionID      string
	TaskID         string
	MessageID      string

	// ToolCallID is the stable identifier executors must derive their
	// workflow step names from. Never derive step names from clocks or
	// random values: replay depends on the names being reproducible.
	ToolCallID string

	// Workflow is the durable step runner for this task's run. Nil when
	// the executor runs outside a workflow (one-shot invocations); tools
	// with long-running phases fall back to synchronous polling then.
	Workflow workflow.Runner

	// Complete requests cooperative termination of the surrounding
	// loop. The loop consumes the flag at the next round boundary.
	Complete func(summary string)
}
