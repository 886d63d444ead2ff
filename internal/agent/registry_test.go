package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/iHeyTang/heyfun/pkg/models"
)

func noopExecutor(string) Executor {
	return func(context.Context, json.RawMessage, *ExecutionContext) (*models.ToolResult, error) {
		return models.Ok(nil), nil
	}
}

func TestRegisterThenGet(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", noopExecutor("echo"))

	if _, ok := r.Get("echo"); !ok {
		t.Fatal("expected echo to be registered")
	}
}

func TestGetUnknownReturnsFalse(t *testing.T) {
	r := NewRegistry()

	exec, ok := r.Get("missing")
	if ok {
		t.Fatal("expected missing tool to be absent")
	}
	if exec != nil {
		t.Fatal("expected nil executor for missing tool")
	}
}

func TestRegisterIsLastWriteWins(t *testing.T) {
	r := NewRegistry()
	first := func(context.Context, json.RawMessage, *ExecutionContext) (*models.ToolResult, error) {
		return models.Ok("first"), nil
	}
	second := func(context.Context, json.RawMessage, *ExecutionContext) (*models.ToolResult, error) {
		return models.Ok("second"), nil
	}

	r.RegisterTool(Tool{Definition: models.ToolDefinition{Name: "dup", Description: "v1"}, Execute: first})
	r.RegisterTool(Tool{Definition: models.ToolDefinition{Name: "dup", Description: "v2"}, Execute: second})

	exec, ok := r.Get("dup")
	if !ok {
		t.Fatal("expected dup to be registered")
	}
	res, err := exec(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	if res.Data != "second" {
		t.Fatalf("expected last registration to win, got %v", res.Data)
	}
	def, _ := r.Definition("dup")
	if def.Description != "v2" {
		t.Fatalf("expected definition replaced, got %q", def.Description)
	}
	if len(r.Definitions()) != 1 {
		t.Fatalf("expected exactly one definition, got %d", len(r.Definitions()))
	}
}

func TestSummariesExcludeParameterSchemas(t *testing.T) {
	r := NewRegistry()
	r.RegisterTool(Tool{
		Definition: models.ToolDefinition{
			Name:        "generate_image",
			Description: "Generate an image",
			Category:    "paintboard",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string"}}}`),
		},
		Execute: noopExecutor("generate_image"),
	})

	summaries := r.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Name != "generate_image" || s.Description != "Generate an image" || s.Category != "paintboard" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	if strings.Contains(string(encoded), "properties") {
		t.Fatalf("summary leaked parameter schema: %s", encoded)
	}
}

func TestDefinitionsAndSummariesAreSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.RegisterTool(Tool{
			Definition: models.ToolDefinition{Name: name},
			Execute:    noopExecutor(name),
		})
	}

	defs := r.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if defs[i].Name != name {
			t.Fatalf("definitions out of order: got %q at %d, want %q", defs[i].Name, i, name)
		}
	}
	summaries := r.Summaries()
	for i, name := range want {
		if summaries[i].Name != name {
			t.Fatalf("summaries out of order: got %q at %d, want %q", summaries[i].Name, i, name)
		}
	}
}
