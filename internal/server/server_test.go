package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

type launchRecorder struct {
	mu     sync.Mutex
	tasks  []*models.Task
	block  chan struct{}
	script func(ctx context.Context, task *models.Task) error
}

func (l *launchRecorder) launch(ctx context.Context, task *models.Task) error {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	if l.script != nil {
		return l.script(ctx, task)
	}
	if l.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.block:
		}
	}
	return nil
}

func (l *launchRecorder) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func newTestServer(t *testing.T, launcher *launchRecorder, grant int64) (*Server, *storage.Memory, *workflow.Hub) {
	t.Helper()
	store := storage.NewMemory()
	hub := workflow.NewHub(store)
	s := New(Deps{
		Store:        store,
		Hub:          hub,
		Launch:       launcher.launch,
		InitialGrant: grant,
	})
	return s, store, hub
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskLaunchesAndGrantsCredits(t *testing.T) {
	launcher := &launchRecorder{}
	s, store, _ := newTestServer(t, launcher, 500)

	rec := postJSON(t, s, "/api/tasks", createTaskRequest{
		OrganizationID: "org-1",
		Request:        "draw a red panda",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var task models.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID == "" || task.OrganizationID != "org-1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	balance, _ := store.Balance(context.Background(), "org-1")
	if balance != 500 {
		t.Fatalf("balance = %d, want initial grant", balance)
	}

	deadline := time.After(time.Second)
	for launcher.launched() == 0 {
		select {
		case <-deadline:
			t.Fatal("launcher never invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A second task for the same organization must not re-grant.
	postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1", Request: "another"})
	balance, _ = store.Balance(context.Background(), "org-1")
	if balance != 500 {
		t.Fatalf("balance = %d after second task, want 500", balance)
	}
}

func TestCreateTaskDoesNotReseedDrainedBalance(t *testing.T) {
	launcher := &launchRecorder{}
	s, store, _ := newTestServer(t, launcher, 500)

	rec := postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1", Request: "first"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if err := store.Debit(context.Background(), "org-1", 500); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	// A zero balance from spending must not look like first sight.
	rec = postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1", Request: "second"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	balance, _ := store.Balance(context.Background(), "org-1")
	if balance != 0 {
		t.Fatalf("balance = %d after drain, want 0", balance)
	}
}

func TestCreateTaskSkipsGrantForExistingBalance(t *testing.T) {
	launcher := &launchRecorder{}
	s, store, _ := newTestServer(t, launcher, 500)

	if err := store.Grant(context.Background(), "org-1", 42); err != nil {
		t.Fatal(err)
	}
	rec := postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1", Request: "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	balance, _ := store.Balance(context.Background(), "org-1")
	if balance != 42 {
		t.Fatalf("balance = %d, want untouched 42", balance)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	s, _, _ := newTestServer(t, &launchRecorder{}, 0)

	rec := postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty request: status = %d", rec.Code)
	}
	rec = postJSON(t, s, "/api/tasks", createTaskRequest{Request: "hello"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing org: status = %d", rec.Code)
	}
}

func TestTerminateCancelsRunningTask(t *testing.T) {
	launcher := &launchRecorder{block: make(chan struct{})}
	s, _, _ := newTestServer(t, launcher, 0)

	rec := postJSON(t, s, "/api/tasks", createTaskRequest{OrganizationID: "org-1", Request: "spin"})
	var task models.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &task)

	deadline := time.After(time.Second)
	for launcher.launched() == 0 {
		select {
		case <-deadline:
			t.Fatal("launcher never invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec = postJSON(t, s, "/api/tasks/"+task.ID+"/terminate", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("terminate status = %d", rec.Code)
	}

	// The blocked launcher returns ctx.Err() once canceled; the runs
	// map entry disappears with it.
	deadline = time.After(time.Second)
	for {
		s.mu.Lock()
		_, running := s.runs[task.ID]
		s.mu.Unlock()
		if !running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never canceled")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTerminateUnknownTask(t *testing.T) {
	s, _, _ := newTestServer(t, &launchRecorder{}, 0)
	rec := postJSON(t, s, "/api/tasks/nope/terminate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWorkflowEventCompletesGenerationAndPublishes(t *testing.T) {
	s, store, _ := newTestServer(t, &launchRecorder{}, 0)
	ctx := context.Background()
	if err := store.CreateGenerationTask(ctx, &models.GenerationTask{
		ID: "gen-1", OrganizationID: "org-1", Status: models.GenerationPending,
	}); err != nil {
		t.Fatalf("create generation: %v", err)
	}

	rec := postJSON(t, s, "/api/workflow/events", workflowEventRequest{
		EventKey: "generation:gen-1",
		Data:     json.RawMessage(`{"asset_key":"org-1/a.png"}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	gen, err := store.GetGenerationTask(ctx, "gen-1")
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	if gen.Status != models.GenerationCompleted || gen.AssetKey != "org-1/a.png" {
		t.Fatalf("unexpected row: %+v", gen)
	}

	// The published event is retained for a late subscriber.
	payload, found, err := store.TakeEvent(ctx, "generation:gen-1")
	if err != nil || !found {
		t.Fatalf("event not retained: found=%v err=%v", found, err)
	}
	if !strings.Contains(string(payload), "a.png") {
		t.Fatalf("payload = %s", payload)
	}
}

func TestTaskEventsReplaysLogAndCloses(t *testing.T) {
	s, store, _ := newTestServer(t, &launchRecorder{}, 0)
	ctx := context.Background()
	task := &models.Task{ID: "task-1", OrganizationID: "org-1", Request: "r", Status: models.TaskPending}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, tp := range []string{models.ProgressLifecycleStart, models.ProgressStepStart, models.ProgressLifecycleComplete} {
		if err := store.AppendProgress(ctx, &models.TaskProgress{
			TaskID: task.ID, Step: i, Type: tp, Content: json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted); err != nil {
		t.Fatalf("status: %v", err)
	}

	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks/task-1/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	if strings.Count(text, "data: ") != 3 {
		t.Fatalf("expected 3 data frames, got:\n%s", text)
	}
	if !strings.Contains(text, models.ProgressLifecycleComplete) {
		t.Fatalf("missing lifecycle complete frame:\n%s", text)
	}

	// Resume from after the second record: only the third replays.
	rows, _ := store.ProgressSince(ctx, task.ID, time.Time{})
	cursor := rows[1].CreatedAt.Format(time.RFC3339Nano)
	resp2, err := http.Get(ts.URL + "/api/tasks/task-1/events?after=" + cursor)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	body, _ = io.ReadAll(resp2.Body)
	if strings.Count(string(body), "data: ") != 1 {
		t.Fatalf("expected 1 frame after cursor, got:\n%s", body)
	}
}

func TestTaskEventsUnknownTask(t *testing.T) {
	s, _, _ := newTestServer(t, &launchRecorder{}, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nope/events", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, &launchRecorder{}, 0)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}
