package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

func newPlanFixture(t *testing.T, provider *scriptedProvider) (*Loop, *storage.Memory, *models.Task) {
	t.Helper()
	store := storage.NewMemory()
	task := &models.Task{
		ID:             "task-1",
		OrganizationID: "org-1",
		Request:        "draw a red panda",
		Status:         models.TaskPending,
		CreatedAt:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	registry := NewRegistry()
	registry.RegisterTool(Tool{
		Definition: models.ToolDefinition{Name: CompleteToolName, Description: "End the task"},
		Execute: func(_ context.Context, _ json.RawMessage, ec *ExecutionContext) (*models.ToolResult, error) {
			if ec.Complete != nil {
				ec.Complete("finished")
			}
			return models.Ok(nil), nil
		},
	})

	cfg := DefaultLoopConfig()
	loop := NewLoop(cfg, LoopDeps{
		Registry:   registry,
		Dispatcher: NewDispatcher(registry, nil, nil),
		Provider:   provider,
		Store:      store,
		Runner:     workflow.NewEngine("run-"+task.ID, store, workflow.NewHub(store)),
		Setup:      PlanSetup(provider, store, registry, cfg),
	})
	return loop, store, task
}

func planProvider() *scriptedProvider {
	return &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("Red panda sketch"),
		textResponse("1. Pick a reference photo\n2. Sketch the outline\n3. Finish and deliver"),
		toolResponse("Following the plan.", completeCall("call-1")),
	}}
}

func TestPlanSetupSeedsMemoryAndEmitsEvents(t *testing.T) {
	provider := planProvider()
	loop, store, task := newPlanFixture(t, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	types := progressTypes(t, store, task.ID)
	if countType(types, models.ProgressPlanStart) != 1 || countType(types, models.ProgressPlanComplete) != 1 {
		t.Fatalf("plan records missing: %v", types)
	}
	planIdx, stepIdx := -1, -1
	for i, tp := range types {
		if tp == models.ProgressPlanComplete && planIdx < 0 {
			planIdx = i
		}
		if tp == models.ProgressStepStart && stepIdx < 0 {
			stepIdx = i
		}
	}
	if planIdx < 0 || stepIdx < 0 || planIdx > stepIdx {
		t.Fatalf("plan must complete before the first step: %v", types)
	}

	// Call 1 is the planning request; it must forbid execution and
	// list the registered tools.
	planReq := provider.requests[1]
	if !strings.Contains(planReq.System, "planning phase") || !strings.Contains(planReq.System, CompleteToolName) {
		t.Fatalf("planning system prompt: %q", planReq.System)
	}
	// The plan reaches round one as prior conversation memory.
	roundReq := provider.requests[2]
	found := false
	for _, msg := range roundReq.Messages {
		if strings.Contains(msg.Content, "Execution plan:") && strings.Contains(msg.Content, "Sketch the outline") {
			found = true
		}
	}
	if !found {
		t.Fatalf("plan not seeded into round-1 memory: %+v", roundReq.Messages)
	}
}

func TestPlanSetupReplaysWithoutExtraModelCall(t *testing.T) {
	provider := planProvider()
	loop, store, task := newPlanFixture(t, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("model calls = %d, want 3", provider.calls)
	}

	// Re-invoking the finished run replays through memos: no new model
	// calls, no duplicated plan records.
	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("replay made %d extra model calls", provider.calls-3)
	}
	types := progressTypes(t, store, task.ID)
	if countType(types, models.ProgressPlanStart) != 1 || countType(types, models.ProgressPlanComplete) != 1 {
		t.Fatalf("plan records duplicated on replay: %v", types)
	}
}
