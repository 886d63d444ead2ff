// Package agent implements the step-loop orchestration core: the tool
// registry and dispatch contract, the per-task execution context, and
// the bounded reasoning loop that drives a task from request to
// completion over a durable workflow substrate.
package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/iHeyTang/heyfun/pkg/models"
)

// Executor is the uniform capability signature every tool implements.
// Arguments arrive already validated against the tool's schema. All
// state lives in the stores the executor reaches through the execution
// context; executors themselves are stateless between invocations.
type Executor func(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*models.ToolResult, error)

// Tool pairs a definition with its executor for batch registration.
type Tool struct {
	Definition models.ToolDefinition
	Execute    Executor
}

// Registry maps tool names to (definition, executor) pairs. It is
// constructed explicitly at process start and passed by reference to
// the loop; there is no package-level instance. Registration is
// last-write-wins by name. Lookups never fail loudly: absence is an
// optional result the dispatcher turns into a ToolResult failure.
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	definitions map[string]models.ToolDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors:   make(map[string]Executor),
		definitions: make(map[string]models.ToolDefinition),
	}
}

// Register stores an executor under name, replacing any previous entry.
func (r *Registry) Register(name string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
}

// RegisterTool stores both the executor and the definition.
func (r *Registry) RegisterTool(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t.Definition.Name] = t.Execute
	r.definitions[t.Definition.Name] = t.Definition
}

// RegisterTools batch-registers tools.
func (r *Registry) RegisterTools(tools ...Tool) {
	for _, t := range tools {
		r.RegisterTool(t)
	}
}

// Get returns the executor for name, if registered.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

// Definition returns the schema record for name, if registered.
func (r *Registry) Definition(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Definitions returns all registered definitions sorted by name, for
// the model-facing tool parameter list.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summaries returns the prompt catalog projection: name, description
// and category only. Sorted by name so prompt construction is stable.
func (r *Registry) Summaries() []models.ToolSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSummary, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, models.ToolSummary{
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
