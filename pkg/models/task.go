package models

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks the lifecycle of an agent task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTerminated TaskStatus = "terminated"
)

// Task is one agent run: a request scoped to an organization, driven to
// completion by the step loop.
type Task struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Request        string     `json:"request"`
	Summary        string     `json:"summary,omitempty"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Progress event types. The hierarchy mirrors the agent lifecycle:
// prepare, plan, per-step think/act phases and tool execution.
const (
	ProgressLifecycleStart      = "agent:lifecycle:start"
	ProgressLifecycleSummary    = "agent:lifecycle:summary"
	ProgressPlanStart           = "agent:lifecycle:plan:start"
	ProgressPlanComplete        = "agent:lifecycle:plan:complete"
	ProgressStepStart           = "agent:lifecycle:step:start"
	ProgressStepComplete        = "agent:lifecycle:step:complete"
	ProgressToolSelected        = "agent:lifecycle:step:think:tool:selected"
	ProgressToolExecuteStart    = "agent:lifecycle:step:act:tool:execute:start"
	ProgressToolExecuteDone     = "agent:lifecycle:step:act:tool:execute:complete"
	ProgressStuckDetected       = "agent:lifecycle:state:stuck_detected"
	ProgressStepMaxReached      = "agent:lifecycle:step_max_reached"
	ProgressLifecycleComplete   = "agent:lifecycle:complete"
	ProgressLifecycleTerminated = "agent:lifecycle:terminated"
	ProgressLifecycleFailed     = "agent:lifecycle:failed"
)

// TaskProgress is one append-only log entry for a task. Entries are
// ordered by strictly increasing CreatedAt within a task and streamed to
// clients over SSE.
type TaskProgress struct {
	TaskID    string          `json:"task_id"`
	Index     int             `json:"index"`
	Step      int             `json:"step"`
	Round     int             `json:"round"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StepResult records the outcome of one agent round. The accumulated
// list, persisted in a durable side channel, is the sole source of truth
// for reconstructing conversation state after a workflow replay.
type StepResult struct {
	Prompt     string `json:"prompt"`
	Result     string `json:"result"`
	Terminated bool   `json:"terminated"`
}

// GenerationType identifies a paintboard generation modality.
type GenerationType string

const (
	GenerationImage GenerationType = "image"
	GenerationVideo GenerationType = "video"
	GenerationAudio GenerationType = "audio"
	GenerationMusic GenerationType = "music"
)

// GenerationStatus tracks an out-of-band generation pipeline task.
type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// GenerationTask is a pending row created before the generation pipeline
// is triggered. The pipeline publishes a completion event keyed by ID.
type GenerationTask struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	TaskID         string           `json:"task_id"`
	ToolCallID     string           `json:"tool_call_id"`
	Type           GenerationType   `json:"type"`
	Model          string           `json:"model"`
	Prompt         string           `json:"prompt"`
	Status         GenerationStatus `json:"status"`
	AssetKey       string           `json:"asset_key,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Asset is a generated artifact stored in object storage and referenced
// by its key. URLs are minted on demand by the signer.
type Asset struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Key            string    `json:"key"`
	ContentType    string    `json:"content_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
