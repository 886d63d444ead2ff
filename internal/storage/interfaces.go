// Package storage is the persistence boundary of the agent core: task
// and progress records, the durable step-result side channel, the
// credit ledger, generation tasks and workflow memos. Two backends are
// provided, SQLite for real runs and an in-memory store for tests.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInsufficientCredits is returned by Debit when the ledger
	// balance does not cover the requested amount. Tools translate it
	// into a business-precondition ToolResult.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// TaskStore persists agent tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetTaskSummary(ctx context.Context, id, summary string) error
}

// ProgressStore persists the append-only progress log. AppendProgress
// assigns the next index and a strictly increasing creation timestamp
// within the task.
type ProgressStore interface {
	AppendProgress(ctx context.Context, p *models.TaskProgress) error
	ProgressSince(ctx context.Context, taskID string, after time.Time) ([]models.TaskProgress, error)
}

// StepResultStore is the durable side channel holding the accumulated
// per-round results for one task. Entries expire after their TTL;
// loading an expired or absent accumulator yields an empty slice, never
// an error.
type StepResultStore interface {
	SaveStepResults(ctx context.Context, orgID, taskID string, results []models.StepResult, ttl time.Duration) error
	LoadStepResults(ctx context.Context, orgID, taskID string) ([]models.StepResult, error)
}

// CreditStore is the organization credit ledger. Debit performs the
// read-check-decrement inside one transaction so concurrent tool calls
// cannot overdraw the balance.
type CreditStore interface {
	Balance(ctx context.Context, orgID string) (int64, error)
	Grant(ctx context.Context, orgID string, amount int64) error
	Debit(ctx context.Context, orgID string, amount int64) error
}

// GenerationStore persists pending generation-pipeline tasks and the
// assets they produce.
type GenerationStore interface {
	CreateGenerationTask(ctx context.Context, task *models.GenerationTask) error
	GetGenerationTask(ctx context.Context, id string) (*models.GenerationTask, error)
	CompleteGenerationTask(ctx context.Context, id, assetKey, genErr string) error
	CreateAsset(ctx context.Context, asset *models.Asset) error
}

// ModelCatalog answers capability questions about configured generation
// models. The catalog is seeded at startup from configuration.
type ModelCatalog interface {
	RegisterGenerationModel(ctx context.Context, model string, gen models.GenerationType) error
	SupportsGeneration(ctx context.Context, model string, gen models.GenerationType) (bool, error)
}

// Store groups every persistence concern plus the workflow memo and
// event tables (the workflow package declares those two interfaces).
type Store interface {
	TaskStore
	ProgressStore
	StepResultStore
	CreditStore
	GenerationStore
	ModelCatalog

	GetMemo(ctx context.Context, runID, step string) (json.RawMessage, bool, error)
	PutMemo(ctx context.Context, runID, step string, payload json.RawMessage) error
	PutEvent(ctx context.Context, key string, payload json.RawMessage) error
	TakeEvent(ctx context.Context, key string) (json.RawMessage, bool, error)

	Close() error
}
