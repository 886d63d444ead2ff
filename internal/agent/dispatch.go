package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/iHeyTang/heyfun/internal/observability"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool arguments JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Dispatcher resolves and executes tool calls against a registry. Every
// failure mode, including unknown tools, invalid arguments, executor
// errors and panics, is converted into the ToolResult envelope: the
// loop never receives a raw throw from a dispatch.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	schemaCache sync.Map // schema text -> *jsonschema.Schema
}

// NewDispatcher creates a dispatcher over the registry. logger and
// metrics may be nil.
func NewDispatcher(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger, metrics: metrics}
}

// Execute runs one tool call. Validation happens here, before the
// executor body: invalid arguments short-circuit with a failure
// envelope and never reach the executor. Executors wrap their own
// side-effecting portions in workflow steps named from ec.ToolCallID;
// the dispatcher deliberately does not wrap, so executors remain free
// to suspend on events outside any memoized step.
func (d *Dispatcher) Execute(ctx context.Context, call models.ToolCall, ec *ExecutionContext) (result *models.ToolResult) {
	started := time.Now()
	outcome := "success"
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool executor panicked", "tool", call.Name, "panic", r)
			result = models.Fail(fmt.Sprintf("tool %s failed: internal error", call.Name))
			outcome = "error"
		}
		if d.metrics != nil {
			d.metrics.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
			d.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
		}
	}()

	if len(call.Name) > MaxToolNameLength {
		outcome = "invalid_args"
		return models.Fail(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxToolParamsSize {
		outcome = "invalid_args"
		return models.Fail(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	exec, ok := d.registry.Get(call.Name)
	if !ok {
		outcome = "not_found"
		return models.Fail("tool not found: " + call.Name)
	}

	def, hasDef := d.registry.Definition(call.Name)
	if hasDef && def.Runtime == models.RuntimeBrowser {
		// Browser-affinity tools execute in the client runtime; the
		// server only forwards the call and reports it pending.
		return &models.ToolResult{
			Success: true,
			Message: fmt.Sprintf("tool %s dispatched to browser runtime", call.Name),
			Data:    map[string]string{"tool_call_id": call.ID, "status": "forwarded"},
		}
	}

	if hasDef && len(def.Parameters) > 0 {
		if err := d.validateArgs(def, call.Arguments); err != nil {
			outcome = "invalid_args"
			return models.Fail(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	res, err := exec(ctx, call.Arguments, ec)
	if err != nil {
		d.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		outcome = "error"
		return models.Fail(fmt.Sprintf("tool %s failed: %v", call.Name, err))
	}
	if res == nil {
		outcome = "error"
		return models.Fail(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	if !res.Success {
		outcome = "error"
	}
	return res
}

func (d *Dispatcher) validateArgs(def models.ToolDefinition, args []byte) error {
	schema, err := d.compileSchema(def)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

func (d *Dispatcher) compileSchema(def models.ToolDefinition) (*jsonschema.Schema, error) {
	key := string(def.Parameters)
	if cached, ok := d.schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	d.schemaCache.Store(key, compiled)
	return compiled, nil
}
