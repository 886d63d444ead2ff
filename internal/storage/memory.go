package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
)

// Memory is an in-process Store used by tests and one-shot local runs.
type Memory struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	progress    map[string][]models.TaskProgress
	stepResults map[string]stepResultEntry
	credits     map[string]int64
	generations map[string]*models.GenerationTask
	assets      map[string]*models.Asset
	genModels   map[string]map[models.GenerationType]bool
	memos       map[string]json.RawMessage
	events      map[string]json.RawMessage
}

type stepResultEntry struct {
	results   []models.StepResult
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:       make(map[string]*models.Task),
		progress:    make(map[string][]models.TaskProgress),
		stepResults: make(map[string]stepResultEntry),
		credits:     make(map[string]int64),
		generations: make(map[string]*models.GenerationTask),
		assets:      make(map[string]*models.Asset),
		genModels:   make(map[string]map[models.GenerationType]bool),
		memos:       make(map[string]json.RawMessage),
		events:      make(map[string]json.RawMessage),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// CreateTask implements TaskStore.
func (m *Memory) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

// GetTask implements TaskStore.
func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

// UpdateTaskStatus implements TaskStore.
func (m *Memory) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// SetTaskSummary implements TaskStore.
func (m *Memory) SetTaskSummary(_ context.Context, id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Summary = summary
	task.UpdatedAt = time.Now()
	return nil
}

// AppendProgress implements ProgressStore with the same monotonic
// created_at discipline as the SQLite backend.
func (m *Memory) AppendProgress(_ context.Context, p *models.TaskProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.progress[p.TaskID]
	p.Index = len(log)
	now := time.Now()
	if len(log) > 0 && !now.After(log[len(log)-1].CreatedAt) {
		now = log[len(log)-1].CreatedAt.Add(time.Nanosecond)
	}
	p.CreatedAt = now
	m.progress[p.TaskID] = append(log, *p)
	return nil
}

// ProgressSince implements ProgressStore.
func (m *Memory) ProgressSince(_ context.Context, taskID string, after time.Time) ([]models.TaskProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskProgress
	for _, p := range m.progress[taskID] {
		if p.CreatedAt.After(after) {
			out = append(out, p)
		}
	}
	return out, nil
}

func stepResultKey(orgID, taskID string) string { return orgID + "/" + taskID }

// SaveStepResults implements StepResultStore.
func (m *Memory) SaveStepResults(_ context.Context, orgID, taskID string, results []models.StepResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]models.StepResult, len(results))
	copy(snapshot, results)
	m.stepResults[stepResultKey(orgID, taskID)] = stepResultEntry{
		results:   snapshot,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// LoadStepResults implements StepResultStore.
func (m *Memory) LoadStepResults(_ context.Context, orgID, taskID string) ([]models.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.stepResults[stepResultKey(orgID, taskID)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	out := make([]models.StepResult, len(entry.results))
	copy(out, entry.results)
	return out, nil
}

// Balance implements CreditStore.
func (m *Memory) Balance(_ context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[orgID], nil
}

// Grant implements CreditStore.
func (m *Memory) Grant(_ context.Context, orgID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[orgID] += amount
	return nil
}

// Debit implements CreditStore.
func (m *Memory) Debit(_ context.Context, orgID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credits[orgID] < amount {
		return ErrInsufficientCredits
	}
	m.credits[orgID] -= amount
	return nil
}

// CreateGenerationTask implements GenerationStore.
func (m *Memory) CreateGenerationTask(_ context.Context, task *models.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.GenerationPending
	}
	clone := *task
	m.generations[task.ID] = &clone
	return nil
}

// GetGenerationTask implements GenerationStore.
func (m *Memory) GetGenerationTask(_ context.Context, id string) (*models.GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.generations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

// CompleteGenerationTask implements GenerationStore.
func (m *Memory) CompleteGenerationTask(_ context.Context, id, assetKey, genErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.generations[id]
	if !ok {
		return ErrNotFound
	}
	if genErr != "" {
		task.Status = models.GenerationFailed
	} else {
		task.Status = models.GenerationCompleted
	}
	task.AssetKey = assetKey
	task.Error = genErr
	task.UpdatedAt = time.Now()
	return nil
}

// CreateAsset implements GenerationStore.
func (m *Memory) CreateAsset(_ context.Context, asset *models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}
	clone := *asset
	m.assets[asset.ID] = &clone
	return nil
}

// RegisterGenerationModel seeds the capability catalog.
func (m *Memory) RegisterGenerationModel(_ context.Context, model string, gen models.GenerationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genModels[model] == nil {
		m.genModels[model] = make(map[models.GenerationType]bool)
	}
	m.genModels[model][gen] = true
	return nil
}

// SupportsGeneration implements ModelCatalog.
func (m *Memory) SupportsGeneration(_ context.Context, model string, gen models.GenerationType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.genModels[model][gen], nil
}

func memoKey(runID, step string) string { return runID + "\x00" + step }

// GetMemo implements workflow.MemoStore.
func (m *Memory) GetMemo(_ context.Context, runID, step string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.memos[memoKey(runID, step)]
	return payload, ok, nil
}

// PutMemo implements workflow.MemoStore.
func (m *Memory) PutMemo(_ context.Context, runID, step string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoKey(runID, step)
	if _, exists := m.memos[key]; !exists {
		m.memos[key] = payload
	}
	return nil
}

// PutEvent implements workflow.EventStore.
func (m *Memory) PutEvent(_ context.Context, key string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key] = payload
	return nil
}

// TakeEvent implements workflow.EventStore.
func (m *Memory) TakeEvent(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.events[key]
	if ok {
		delete(m.events, key)
	}
	return payload, ok, nil
}
