package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLite implements Store on a single SQLite database file.
type SQLite struct {
	db *sql.DB

	// progressMu serializes progress appends so the strictly-increasing
	// created_at invariant holds even when the clock stalls.
	progressMu sync.Mutex
}

// NewSQLite opens (or creates) the database at path and bootstraps the
// schema. Pass ":memory:" for an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteFromDB wraps an existing database handle. Used by tests with
// sqlmock; the schema is assumed to exist.
func NewSQLiteFromDB(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			request TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_progress (
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			step INTEGER NOT NULL,
			round INTEGER NOT NULL,
			type TEXT NOT NULL,
			content BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (task_id, idx)
		);
		CREATE INDEX IF NOT EXISTS task_progress_created
			ON task_progress (task_id, created_at);
		CREATE TABLE IF NOT EXISTS step_results (
			organization_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			results BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (organization_id, task_id)
		);
		CREATE TABLE IF NOT EXISTS credits (
			organization_id TEXT PRIMARY KEY,
			amount INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS generation_tasks (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			type TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			asset_key TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS generation_models (
			model TEXT NOT NULL,
			generation_type TEXT NOT NULL,
			PRIMARY KEY (model, generation_type)
		);
		CREATE TABLE IF NOT EXISTS workflow_memos (
			run_id TEXT NOT NULL,
			step TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step)
		);
		CREATE TABLE IF NOT EXISTS workflow_events (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// CreateTask inserts a new task row.
func (s *SQLite) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, organization_id, request, summary, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OrganizationID, task.Request, task.Summary, string(task.Status),
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *SQLite) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, request, summary, status, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	var t models.Task
	var status string
	var created, updated int64
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Request, &t.Summary, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = models.TaskStatus(status)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}

// UpdateTaskStatus sets the task status.
func (s *SQLite) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

// SetTaskSummary stores the model-generated task summary.
func (s *SQLite) SetTaskSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set task summary: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendProgress appends one progress record, assigning the next index
// and a creation timestamp strictly greater than the previous record's.
func (s *SQLite) AppendProgress(ctx context.Context, p *models.TaskProgress) error {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	defer tx.Rollback()

	var lastIdx sql.NullInt64
	var lastCreated sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(idx), MAX(created_at) FROM task_progress WHERE task_id = ?`,
		p.TaskID).Scan(&lastIdx, &lastCreated)
	if err != nil {
		return fmt.Errorf("append progress: read tail: %w", err)
	}
	p.Index = 0
	if lastIdx.Valid {
		p.Index = int(lastIdx.Int64) + 1
	}
	now := time.Now().UnixNano()
	if lastCreated.Valid && now <= lastCreated.Int64 {
		now = lastCreated.Int64 + 1
	}
	p.CreatedAt = time.Unix(0, now)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_progress (task_id, idx, step, round, type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.TaskID, p.Index, p.Step, p.Round, p.Type, []byte(p.Content), now)
	if err != nil {
		return fmt.Errorf("append progress: insert: %w", err)
	}
	return tx.Commit()
}

// ProgressSince returns records newer than the given cursor timestamp,
// in creation order.
func (s *SQLite) ProgressSince(ctx context.Context, taskID string, after time.Time) ([]models.TaskProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, idx, step, round, type, content, created_at
		 FROM task_progress WHERE task_id = ? AND created_at > ?
		 ORDER BY created_at ASC`,
		taskID, after.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("progress since: %w", err)
	}
	defer rows.Close()

	var out []models.TaskProgress
	for rows.Next() {
		var p models.TaskProgress
		var content []byte
		var created int64
		if err := rows.Scan(&p.TaskID, &p.Index, &p.Step, &p.Round, &p.Type, &content, &created); err != nil {
			return nil, fmt.Errorf("progress since: scan: %w", err)
		}
		p.Content = json.RawMessage(content)
		p.CreatedAt = time.Unix(0, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveStepResults stores the accumulator with a TTL, replacing any
// previous snapshot.
func (s *SQLite) SaveStepResults(ctx context.Context, orgID, taskID string, results []models.StepResult, ttl time.Duration) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("save step results: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (organization_id, task_id, results, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (organization_id, task_id) DO UPDATE
		 SET results = excluded.results, expires_at = excluded.expires_at`,
		orgID, taskID, payload, time.Now().Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("save step results: %w", err)
	}
	return nil
}

// LoadStepResults returns the stored accumulator, or an empty slice when
// none exists or the snapshot has expired.
func (s *SQLite) LoadStepResults(ctx context.Context, orgID, taskID string) ([]models.StepResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT results, expires_at FROM step_results
		 WHERE organization_id = ? AND task_id = ?`, orgID, taskID)
	var payload []byte
	var expires int64
	if err := row.Scan(&payload, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load step results: %w", err)
	}
	if time.Now().UnixNano() > expires {
		return nil, nil
	}
	var results []models.StepResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, fmt.Errorf("load step results: decode: %w", err)
	}
	return results, nil
}

// Balance returns the current credit balance for an organization.
// Unknown organizations have a zero balance.
func (s *SQLite) Balance(ctx context.Context, orgID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT amount FROM credits WHERE organization_id = ?`, orgID)
	var amount int64
	if err := row.Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("balance: %w", err)
	}
	return amount, nil
}

// Grant adds credits to an organization's balance.
func (s *SQLite) Grant(ctx context.Context, orgID string, amount int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (organization_id, amount) VALUES (?, ?)
		 ON CONFLICT (organization_id) DO UPDATE SET amount = amount + excluded.amount`,
		orgID, amount)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

// Debit decrements the balance inside one transaction. The read, the
// check and the decrement commit atomically so two concurrent tool
// calls from the same organization cannot overdraw.
func (s *SQLite) Debit(ctx context.Context, orgID string, amount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM credits WHERE organization_id = ?`, orgID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInsufficientCredits
	}
	if err != nil {
		return fmt.Errorf("debit: read balance: %w", err)
	}
	if balance < amount {
		return ErrInsufficientCredits
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE credits SET amount = amount - ? WHERE organization_id = ?`,
		amount, orgID); err != nil {
		return fmt.Errorf("debit: decrement: %w", err)
	}
	return tx.Commit()
}

// CreateGenerationTask inserts a pending generation row.
func (s *SQLite) CreateGenerationTask(ctx context.Context, task *models.GenerationTask) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.GenerationPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_tasks
		 (id, organization_id, task_id, tool_call_id, type, model, prompt, status, asset_key, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OrganizationID, task.TaskID, task.ToolCallID, string(task.Type),
		task.Model, task.Prompt, string(task.Status), task.AssetKey, task.Error,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("create generation task: %w", err)
	}
	return nil
}

// GetGenerationTask fetches a generation task by ID.
func (s *SQLite) GetGenerationTask(ctx context.Context, id string) (*models.GenerationTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, task_id, tool_call_id, type, model, prompt, status, asset_key, error, created_at, updated_at
		 FROM generation_tasks WHERE id = ?`, id)
	var t models.GenerationTask
	var typ, status string
	var created, updated int64
	err := row.Scan(&t.ID, &t.OrganizationID, &t.TaskID, &t.ToolCallID, &typ, &t.Model,
		&t.Prompt, &status, &t.AssetKey, &t.Error, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get generation task: %w", err)
	}
	t.Type = models.GenerationType(typ)
	t.Status = models.GenerationStatus(status)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}

// CompleteGenerationTask marks a generation task finished. A non-empty
// genErr marks it failed, otherwise assetKey records the produced asset.
func (s *SQLite) CompleteGenerationTask(ctx context.Context, id, assetKey, genErr string) error {
	status := models.GenerationCompleted
	if genErr != "" {
		status = models.GenerationFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_tasks SET status = ?, asset_key = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), assetKey, genErr, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("complete generation task: %w", err)
	}
	return requireRow(res)
}

// CreateAsset records a generated asset.
func (s *SQLite) CreateAsset(ctx context.Context, asset *models.Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, organization_id, key, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		asset.ID, asset.OrganizationID, asset.Key, asset.ContentType, asset.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

// SupportsGeneration reports whether the model is registered for the
// given generation type.
func (s *SQLite) SupportsGeneration(ctx context.Context, model string, gen models.GenerationType) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM generation_models WHERE model = ? AND generation_type = ?`,
		model, string(gen))
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("supports generation: %w", err)
	}
	return true, nil
}

// RegisterGenerationModel declares that model supports the generation
// type. Used at startup to seed the capability catalog from config.
func (s *SQLite) RegisterGenerationModel(ctx context.Context, model string, gen models.GenerationType) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generation_models (model, generation_type) VALUES (?, ?)`,
		model, string(gen))
	if err != nil {
		return fmt.Errorf("register generation model: %w", err)
	}
	return nil
}

// GetMemo implements workflow.MemoStore.
func (s *SQLite) GetMemo(ctx context.Context, runID, step string) (json.RawMessage, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_memos WHERE run_id = ? AND step = ?`, runID, step)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get memo: %w", err)
	}
	return json.RawMessage(payload), true, nil
}

// PutMemo implements workflow.MemoStore. A step result is committed at
// most once; later writes for the same step are ignored.
func (s *SQLite) PutMemo(ctx context.Context, runID, step string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_memos (run_id, step, payload, created_at)
		 VALUES (?, ?, ?, ?)`,
		runID, step, []byte(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put memo: %w", err)
	}
	return nil
}

// PutEvent implements workflow.EventStore.
func (s *SQLite) PutEvent(ctx context.Context, key string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_events (key, payload, created_at) VALUES (?, ?, ?)`,
		key, []byte(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// TakeEvent implements workflow.EventStore, consuming the stored event.
func (s *SQLite) TakeEvent(ctx context.Context, key string) (json.RawMessage, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("take event: %w", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM workflow_events WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take event: read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_events WHERE key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("take event: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return json.RawMessage(payload), true, nil
}
