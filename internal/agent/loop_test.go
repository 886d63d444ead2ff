package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// scriptedProvider replays a fixed sequence of responses. The first
// call is always the task summary; subsequent calls are rounds.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
	requests  []*providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	return p.responses[i], nil
}

func textResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content}
}

func toolResponse(content string, calls ...models.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content, ToolCalls: calls}
}

func completeCall(id string) models.ToolCall {
	return models.ToolCall{ID: id, Name: CompleteToolName, Arguments: json.RawMessage(`{}`)}
}

func newLoopFixture(t *testing.T, cfg *LoopConfig, provider providers.Provider) (*Loop, *storage.Memory, *models.Task) {
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
	registry.RegisterTool(Tool{
		Definition: models.ToolDefinition{Name: "echo", Description: "Echo the input"},
		Execute: func(_ context.Context, args json.RawMessage, _ *ExecutionContext) (*models.ToolResult, error) {
			return models.Ok(string(args)), nil
		},
	})

	runner := workflow.NewEngine("run-"+task.ID, store, workflow.NewHub(store))
	loop := NewLoop(cfg, LoopDeps{
		Registry:   registry,
		Dispatcher: NewDispatcher(registry, nil, nil),
		Provider:   provider,
		Store:      store,
		Runner:     runner,
	})
	return loop, store, task
}

func progressTypes(t *testing.T, store *storage.Memory, taskID string) []string {
	t.Helper()
	rows, err := store.ProgressSince(context.Background(), taskID, time.Time{})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	types := make([]string, 0, len(rows))
	for _, r := range rows {
		types = append(types, r.Type)
	}
	return types
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestLoopTerminatesOnCompleteTool(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("Red panda sketch"),
		toolResponse("I have everything I need.", completeCall("call-1")),
	}}
	loop, store, task := newLoopFixture(t, nil, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Summary != "Red panda sketch" {
		t.Fatalf("summary = %q", got.Summary)
	}

	types := progressTypes(t, store, task.ID)
	if countType(types, models.ProgressLifecycleStart) != 1 {
		t.Fatalf("expected one lifecycle start, got %v", types)
	}
	if countType(types, models.ProgressLifecycleComplete) != 1 {
		t.Fatalf("expected one lifecycle complete, got %v", types)
	}
	if countType(types, models.ProgressStepMaxReached) != 0 {
		t.Fatal("complete-tool termination must not record step_max_reached")
	}
}

func TestLoopStopsAtMaxStepsAndMarksTruncated(t *testing.T) {
	// The model never calls complete: every round is a plain text
	// answer, so only the budget check can end the run.
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("summary"),
		textResponse("thinking 1"),
		textResponse("thinking 2"),
		textResponse("thinking 3"),
	}}
	loop, store, task := newLoopFixture(t, &LoopConfig{MaxSteps: 3}, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("budget exhaustion should still complete, got %q", got.Status)
	}

	rows, err := store.ProgressSince(context.Background(), task.ID, time.Time{})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	var sawMax bool
	for _, r := range rows {
		if r.Type == models.ProgressStepMaxReached {
			sawMax = true
		}
		if r.Type == models.ProgressLifecycleComplete {
			var payload struct {
				Truncated bool `json:"truncated"`
				Rounds    int  `json:"rounds"`
			}
			if err := json.Unmarshal(r.Content, &payload); err != nil {
				t.Fatalf("decode complete payload: %v", err)
			}
			if !payload.Truncated {
				t.Fatal("expected truncated=true after budget exhaustion")
			}
			if payload.Rounds != 3 {
				t.Fatalf("rounds = %d, want 3", payload.Rounds)
			}
		}
	}
	if !sawMax {
		t.Fatal("expected step_max_reached record")
	}
	if countType(progressTypes(t, store, task.ID), models.ProgressStepStart) != 3 {
		t.Fatal("expected exactly MaxSteps step starts")
	}
}

func TestLoopDetectsStuckAndInjectsHint(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("summary"),
		textResponse("same idea again"),
		textResponse("same idea again"),
		toolResponse("breaking the loop", completeCall("call-3")),
	}}
	loop, store, task := newLoopFixture(t, nil, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	types := progressTypes(t, store, task.ID)
	if countType(types, models.ProgressStuckDetected) != 1 {
		t.Fatalf("expected one stuck record, got %v", types)
	}

	// Round 3's model request (provider call index 3: summary + three
	// rounds) must carry the strategy hint built from the duplicate
	// accumulator entries.
	if len(provider.requests) < 4 {
		t.Fatalf("expected 4 model calls, got %d", len(provider.requests))
	}
	round3 := provider.requests[3]
	last := round3.Messages[len(round3.Messages)-1]
	if !strings.Contains(last.Content, "duplicate responses") {
		t.Fatalf("round after stuck must carry the hint, got %q", last.Content)
	}
}

func TestLoopReplayDoesNotDuplicateProgress(t *testing.T) {
	// First physical run fails at round 2's model call. The retry
	// shares the same run ID, so every completed step is a memo hit and
	// no progress row is appended twice.
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{
			textResponse("summary"),
			toolResponse("trying echo", models.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(`{"v":1}`)}),
			nil,
			toolResponse("done now", completeCall("call-2")),
		},
		errs: []error{nil, nil, errors.New("model unavailable"), nil},
	}
	loop, store, task := newLoopFixture(t, nil, provider)

	err := loop.Run(context.Background(), task)
	if err == nil {
		t.Fatal("expected first run to fail")
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status after failure = %q", got.Status)
	}
	firstCount := len(progressTypes(t, store, task.ID))

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("replay: %v", err)
	}

	types := progressTypes(t, store, task.ID)
	for _, tp := range []string{
		models.ProgressLifecycleStart,
		models.ProgressLifecycleSummary,
		models.ProgressToolExecuteStart,
		models.ProgressToolExecuteDone,
	} {
		// One tool call per run side: echo in round 1, complete in
		// round 2. The echo records must not repeat on replay.
		if tp == models.ProgressToolExecuteStart || tp == models.ProgressToolExecuteDone {
			if countType(types, tp) != 2 {
				t.Fatalf("expected 2 %s records (echo + complete), got %d", tp, countType(types, tp))
			}
			continue
		}
		if countType(types, tp) != 1 {
			t.Fatalf("expected exactly one %s record after replay, got %d", tp, countType(types, tp))
		}
	}
	if len(types) <= firstCount {
		t.Fatal("replay should append the remaining records")
	}

	// Summary and round 1 must be memo hits on replay: only the failed
	// round-2 call is re-issued.
	if provider.calls != 4 {
		t.Fatalf("expected 4 physical model calls, got %d", provider.calls)
	}
}

func TestLoopObservationsAreTruncated(t *testing.T) {
	long := strings.Repeat("x", 5000)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		textResponse("summary"),
		toolResponse("echoing", models.ToolCall{ID: "call-1", Name: "echo", Arguments: json.RawMessage(fmt.Sprintf(`{"v":%q}`, long))}),
		toolResponse("finishing", completeCall("call-2")),
	}}
	loop, _, task := newLoopFixture(t, &LoopConfig{MaxObserve: 200}, provider)

	if err := loop.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The round-2 request replays round 1's observation from memory.
	round2 := provider.requests[2]
	for _, msg := range round2.Messages {
		if len(msg.Content) > 250 && strings.Contains(msg.Content, "Observed output") {
			t.Fatalf("observation not truncated: %d bytes", len(msg.Content))
		}
	}
}

// cancelingProvider answers the summary, then cancels the run context
// mid-round the way the terminate endpoint does.
type cancelingProvider struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancelingProvider) Name() string { return "canceling" }

func (p *cancelingProvider) Chat(ctx context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls++
	if p.calls == 1 {
		return textResponse("summary"), nil
	}
	p.cancel()
	return nil, ctx.Err()
}

func TestLoopCancellationMarksTerminatedAndEmitsRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := &cancelingProvider{cancel: cancel}
	loop, store, task := newLoopFixture(t, nil, provider)

	if err := loop.Run(ctx, task); err != nil {
		t.Fatalf("canceled run should not report an error: %v", err)
	}
	got, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskTerminated {
		t.Fatalf("status = %q, want terminated", got.Status)
	}

	types := progressTypes(t, store, task.ID)
	if countType(types, models.ProgressLifecycleTerminated) != 1 {
		t.Fatalf("terminated records = %d, want 1 in %v", countType(types, models.ProgressLifecycleTerminated), types)
	}
	if countType(types, models.ProgressLifecycleFailed) != 0 {
		t.Fatalf("termination must not emit a failure record: %v", types)
	}
}

func TestFormatObservationTruncatesOnRuneBoundary(t *testing.T) {
	result := &models.ToolResult{Success: true, Message: strings.Repeat("熊", 100)}
	got := formatObservation("echo", result, 50)
	if len(got) > 50 {
		t.Fatalf("observation = %d bytes, want <= 50", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("observation is not valid UTF-8: %q", got)
	}
}

func TestFormatObservationFramesToolOutput(t *testing.T) {
	got := formatObservation("echo", models.Ok("hello"), 10000)
	if !strings.HasPrefix(got, "Observed output of cmd `echo` executed:\n") {
		t.Fatalf("unexpected framing: %q", got)
	}
	if !strings.Contains(got, "hello") {
		t.Fatalf("missing payload: %q", got)
	}

	got = formatObservation("echo", models.Fail("bad input"), 10000)
	if !strings.Contains(got, "Error: bad input") {
		t.Fatalf("failure observation: %q", got)
	}

	got = formatObservation("echo", models.Ok(nil), 10000)
	if got != "Cmd `echo` completed with no output" {
		t.Fatalf("empty observation: %q", got)
	}
}

func TestSanitizeLoopConfigAppliesDefaults(t *testing.T) {
	cfg := sanitizeLoopConfig(nil)
	if cfg.MaxSteps != 20 || cfg.MaxObserve != 10000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg = sanitizeLoopConfig(&LoopConfig{MaxSteps: 5})
	if cfg.MaxSteps != 5 {
		t.Fatalf("explicit MaxSteps overridden: %d", cfg.MaxSteps)
	}
	if cfg.MaxObserve != 10000 || cfg.AgentName != "FunMax" {
		t.Fatalf("missing defaults: %+v", cfg)
	}
}
