package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// handleTaskEvents streams the task's progress log over SSE. The
// cursor is the CreatedAt of the last delivered record, taken from
// Last-Event-ID on reconnect or the ?after= query parameter, so a
// client never sees a record twice and never misses one: every record
// newer than the cursor is replayed from the store before live rows
// are tailed.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if s.deps.Metrics != nil {
		s.deps.Metrics.SSEClients.Inc()
		defer s.deps.Metrics.SSEClients.Dec()
	}

	cursor := parseCursor(r)
	cursor, terminal := s.flushProgress(r.Context(), w, id, cursor)
	flusher.Flush()
	if terminal {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(progressPollEvery)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-poll.C:
			cursor, terminal = s.flushProgress(r.Context(), w, id, cursor)
			flusher.Flush()
			if terminal {
				return
			}
		}
	}
}

// flushProgress writes all records newer than cursor and reports
// whether the task has reached a terminal status with no rows pending.
func (s *Server) flushProgress(ctx context.Context, w http.ResponseWriter, taskID string, cursor time.Time) (time.Time, bool) {
	rows, err := s.deps.Store.ProgressSince(ctx, taskID, cursor)
	if err != nil {
		s.deps.Logger.Error("read progress", "task", taskID, "error", err)
		return cursor, false
	}
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %s\ndata: %s\n\n", row.CreatedAt.Format(time.RFC3339Nano), payload)
		cursor = row.CreatedAt
	}

	task, err := s.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return cursor, err == storage.ErrNotFound
	}
	switch task.Status {
	case models.TaskCompleted, models.TaskFailed, models.TaskTerminated:
		// Drain once more before closing: the terminal status may have
		// landed between the read above and the final lifecycle row.
		if len(rows) == 0 {
			return cursor, true
		}
	}
	return cursor, false
}

func parseCursor(r *http.Request) time.Time {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
