package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, runID string) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewEngine(runID, store, NewHub(store)), store
}

func TestRunMemoizesResult(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"task_id":"t-1"}`), nil
	}

	first, err := engine.Run(context.Background(), "tool:call-1", fn)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := engine.Run(context.Background(), "tool:call-1", fn)
	if err != nil {
		t.Fatalf("replayed run: %v", err)
	}
	if calls != 1 {
		t.Errorf("step body executed %d times, want 1", calls)
	}
	if string(first) != string(second) {
		t.Errorf("replay returned %s, want memoized %s", second, first)
	}
}

func TestRunSharedAcrossEngineInstances(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(store)
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`1`), nil
	}

	// Simulates the platform tearing down and re-invoking the run.
	if _, err := NewEngine("run-1", store, hub).Run(context.Background(), "step", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine("run-1", store, hub).Run(context.Background(), "step", fn); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("step executed %d times across re-invocations, want 1", calls)
	}
}

func TestRunDoesNotMemoizeErrors(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`"ok"`), nil
	}

	if _, err := engine.Run(context.Background(), "step", fn); err == nil {
		t.Fatal("expected error from first attempt")
	}
	payload, err := engine.Run(context.Background(), "step", fn)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if calls != 2 {
		t.Errorf("step executed %d times, want 2 (failed step must re-run)", calls)
	}
	if string(payload) != `"ok"` {
		t.Errorf("payload = %s, want \"ok\"", payload)
	}
}

func TestRunRejectsEmptyStepName(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	_, err := engine.Run(context.Background(), "", func(ctx context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrEmptyStepName) {
		t.Errorf("err = %v, want ErrEmptyStepName", err)
	}
}

func TestRunIsolatesRuns(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(store)
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`1`), nil
	}
	if _, err := NewEngine("run-a", store, hub).Run(context.Background(), "step", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine("run-b", store, hub).Run(context.Background(), "step", fn); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("step executed %d times, want 2 (memoization must not leak across runs)", calls)
	}
}

func TestRunAsRoundTripsTypedResults(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	type created struct {
		TaskID string `json:"task_id"`
	}
	out, err := RunAs(context.Background(), engine, "create", func(ctx context.Context) (created, error) {
		return created{TaskID: "t-9"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.TaskID != "t-9" {
		t.Errorf("TaskID = %q, want t-9", out.TaskID)
	}
	// Replay decodes the memoized payload without re-running.
	replayed, err := RunAs(context.Background(), engine, "create", func(ctx context.Context) (created, error) {
		t.Fatal("step body must not run on replay")
		return created{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if replayed.TaskID != "t-9" {
		t.Errorf("replayed TaskID = %q, want t-9", replayed.TaskID)
	}
}

func TestWaitForEventDeliversPublishedPayload(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(store)
	engine := NewEngine("run-1", store, hub)

	done := make(chan struct{})
	var payload json.RawMessage
	var waitErr error
	go func() {
		defer close(done)
		payload, waitErr = engine.WaitForEvent(context.Background(), "wait:gen-1", "generation:gen-1")
	}()

	// Give the waiter time to subscribe before publishing.
	deadline := time.After(2 * time.Second)
	for {
		hub.mu.Lock()
		subscribed := len(hub.waiters["generation:gen-1"]) > 0
		hub.mu.Unlock()
		if subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("waiter never subscribed")
		case <-time.After(time.Millisecond):
		}
	}

	if err := hub.Publish(context.Background(), "generation:gen-1", json.RawMessage(`{"asset_key":"a"}`)); err != nil {
		t.Fatal(err)
	}
	<-done
	if waitErr != nil {
		t.Fatalf("wait: %v", waitErr)
	}
	if string(payload) != `{"asset_key":"a"}` {
		t.Errorf("payload = %s", payload)
	}

	// Replay of the same wait resolves immediately from the memo.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	replayed, err := engine.WaitForEvent(ctx, "wait:gen-1", "generation:gen-1")
	if err != nil {
		t.Fatalf("replayed wait: %v", err)
	}
	if string(replayed) != `{"asset_key":"a"}` {
		t.Errorf("replayed payload = %s", replayed)
	}
}

func TestWaitForEventCatchesEarlierPublish(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(store)
	engine := NewEngine("run-1", store, hub)

	// Event arrives before anyone waits: must be held durably.
	if err := hub.Publish(context.Background(), "generation:gen-2", json.RawMessage(`{"asset_key":"b"}`)); err != nil {
		t.Fatal(err)
	}
	payload, err := engine.WaitForEvent(context.Background(), "wait:gen-2", "generation:gen-2")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"asset_key":"b"}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestWaitForEventHonorsContextCancellation(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.WaitForEvent(ctx, "wait:never", "generation:never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestWaitForEventCanceledWaiterKeepsEvent(t *testing.T) {
	store := NewMemoryStore()
	hub := NewHub(store)
	engine := NewEngine("run-1", store, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := engine.WaitForEvent(ctx, "wait:gen-3", "generation:gen-3")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		hub.mu.Lock()
		subscribed := len(hub.waiters["generation:gen-3"]) > 0
		hub.mu.Unlock()
		if subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("waiter never subscribed")
		case <-time.After(time.Millisecond):
		}
	}

	// Cancel and publish while the waiter is still registered. Whichever
	// side wins the race, the completion must survive: either the waiter
	// commits it to the memo, or the abandoned delivery is respilled to
	// the durable store.
	cancel()
	if err := hub.Publish(context.Background(), "generation:gen-3", json.RawMessage(`{"asset_key":"c"}`)); err != nil {
		t.Fatal(err)
	}
	<-done

	replayCtx, replayCancel := context.WithTimeout(context.Background(), time.Second)
	defer replayCancel()
	payload, err := engine.WaitForEvent(replayCtx, "wait:gen-3", "generation:gen-3")
	if err != nil {
		t.Fatalf("replayed wait: %v", err)
	}
	if string(payload) != `{"asset_key":"c"}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestSleepSkippedOnReplay(t *testing.T) {
	engine, _ := newTestEngine(t, "run-1")
	if err := engine.Sleep(context.Background(), "pause", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := engine.Sleep(context.Background(), "pause", time.Hour); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("replayed sleep took %v, want immediate return", elapsed)
	}
}

func TestTriggerPostsBodyWithFlowControlKey(t *testing.T) {
	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Flow-Control-Key")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	engine, _ := newTestEngine(t, "run-1")
	err := engine.Trigger(context.Background(), TriggerRequest{
		URL:            srv.URL,
		Body:           map[string]string{"generation_task_id": "gen-1"},
		FlowControlKey: "paintboard",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "paintboard" {
		t.Errorf("flow control key = %q", gotKey)
	}
	if gotBody != `{"generation_task_id":"gen-1"}` {
		t.Errorf("body = %s", gotBody)
	}
}

func TestTriggerSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	engine, _ := newTestEngine(t, "run-1")
	err := engine.Trigger(context.Background(), TriggerRequest{URL: srv.URL, Body: struct{}{}})
	if err == nil {
		t.Fatal("expected error for non-2xx trigger response")
	}
}
