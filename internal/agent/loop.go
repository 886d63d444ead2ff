package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iHeyTang/heyfun/internal/observability"
	"github.com/iHeyTang/heyfun/internal/prompt"
	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// CompleteToolName is the tool the model calls to request termination.
// The loop recognizes it by name so termination stays deterministic
// across workflow replays.
const CompleteToolName = "complete"

const stuckHint = "Observed duplicate responses. Consider new strategies and avoid repeating ineffective paths already attempted."

// Persistence is the slice of the storage boundary the loop needs.
type Persistence interface {
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	SetTaskSummary(ctx context.Context, id, summary string) error
	AppendProgress(ctx context.Context, p *models.TaskProgress) error
	SaveStepResults(ctx context.Context, orgID, taskID string, results []models.StepResult, ttl time.Duration) error
	LoadStepResults(ctx context.Context, orgID, taskID string) ([]models.StepResult, error)
}

// EmitFunc appends one progress record exactly once per key, surviving
// workflow replays. Setup hooks use it for their intermediate events.
type EmitFunc func(ctx context.Context, key, progressType string, step, round int, content any) error

// SetupFunc is an optional agent-specific preparation hook run after
// the task summary. Sub-actions must be replay-safe: emit through the
// provided EmitFunc and wrap side effects in the provided runner.
type SetupFunc func(ctx context.Context, task *models.Task, runner workflow.Runner, emit EmitFunc) error

// LoopConfig bounds and tunes the step loop.
type LoopConfig struct {
	// MaxSteps limits the number of reasoning rounds. This is the only
	// budget check: the loop stops here even if the model never calls
	// complete. Default: 20.
	MaxSteps int

	// MaxObserve truncates each tool observation to this many bytes
	// before it enters conversation memory. Default: 10000.
	MaxObserve int

	// MaxTokens per model response. Default: 4096.
	MaxTokens int

	// Temperature for model invocations.
	Temperature float32

	// StepResultTTL bounds how long the replay side channel is kept.
	// Default: 24h.
	StepResultTTL time.Duration

	// AgentName and Language feed the system prompt. Defaults: FunMax,
	// English.
	AgentName string
	Language  string
}

// DefaultLoopConfig returns the default configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:      20,
		MaxObserve:    10000,
		MaxTokens:     4096,
		StepResultTTL: 24 * time.Hour,
		AgentName:     "FunMax",
		Language:      "English",
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	defaults := DefaultLoopConfig()
	if config == nil {
		return defaults
	}
	cfg := *config
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.MaxObserve <= 0 {
		cfg.MaxObserve = defaults.MaxObserve
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.StepResultTTL <= 0 {
		cfg.StepResultTTL = defaults.StepResultTTL
	}
	if cfg.AgentName == "" {
		cfg.AgentName = defaults.AgentName
	}
	if cfg.Language == "" {
		cfg.Language = defaults.Language
	}
	return &cfg
}

// LoopDeps wires the loop's collaborators.
type LoopDeps struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Provider   providers.Provider
	Store      Persistence
	Runner     workflow.Runner
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Setup      SetupFunc
}

// Loop drives one task through PREPARING, repeated STEPPING rounds and
// TERMINATED. The whole run may be physically re-invoked by the
// workflow substrate at any point; every side effect (progress rows,
// model calls, the accumulator save) lives inside a named step, so a
// replay marches through memo hits until it reaches unfinished work.
type Loop struct {
	cfg        *LoopConfig
	registry   *Registry
	dispatcher *Dispatcher
	provider   providers.Provider
	store      Persistence
	runner     workflow.Runner
	logger     *slog.Logger
	metrics    *observability.Metrics
	setup      SetupFunc
}

// NewLoop creates a loop. Config may be nil for defaults.
func NewLoop(cfg *LoopConfig, deps LoopDeps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:        sanitizeLoopConfig(cfg),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		provider:   deps.Provider,
		store:      deps.Store,
		runner:     deps.Runner,
		logger:     logger,
		metrics:    deps.Metrics,
		setup:      deps.Setup,
	}
}

// roundOutcome crosses the think step's memo boundary.
type roundOutcome struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Usage     models.Usage      `json:"usage"`
}

// Run executes the task to termination. Returned errors indicate an
// unrecoverable failure; the task is marked failed before returning.
func (l *Loop) Run(ctx context.Context, task *models.Task) error {
	if err := l.store.UpdateTaskStatus(ctx, task.ID, models.TaskRunning); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if err := l.prepare(ctx, task); err != nil {
		return l.fail(ctx, task, err)
	}

	terminated := false
	rounds := 0
	for round := 1; round <= l.cfg.MaxSteps; round++ {
		l.logger.Info("executing step", "task", task.ID, "step", round, "max_steps", l.cfg.MaxSteps)
		result, err := l.runRound(ctx, task, round)
		if err != nil {
			if l.metrics != nil {
				l.metrics.StepsTotal.WithLabelValues("error").Inc()
			}
			return l.fail(ctx, task, err)
		}
		rounds = round
		if result.Terminated {
			terminated = true
			if l.metrics != nil {
				l.metrics.StepsTotal.WithLabelValues("terminated").Inc()
			}
			break
		}
		if l.metrics != nil {
			l.metrics.StepsTotal.WithLabelValues("continued").Inc()
		}
	}

	truncated := !terminated
	if truncated {
		if err := l.emitOnce(ctx, task, "step_max_reached", models.ProgressStepMaxReached, rounds, rounds,
			map[string]any{"max_steps": l.cfg.MaxSteps}); err != nil {
			return l.fail(ctx, task, err)
		}
	}
	// Budget exhaustion is a normal termination path: the task is
	// completed, with truncated=true exposed to readers of the final
	// lifecycle record.
	if err := l.emitOnce(ctx, task, "lifecycle:complete", models.ProgressLifecycleComplete, rounds, rounds,
		map[string]any{"rounds": rounds, "truncated": truncated}); err != nil {
		return l.fail(ctx, task, err)
	}
	if err := l.store.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted); err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	return nil
}

func (l *Loop) prepare(ctx context.Context, task *models.Task) error {
	if err := l.emitOnce(ctx, task, "lifecycle:start", models.ProgressLifecycleStart, 0, 0,
		map[string]any{"request": task.Request}); err != nil {
		return err
	}

	summary, err := workflow.RunAs(ctx, l.runner, "prepare:summary", func(ctx context.Context) (string, error) {
		resp, err := l.provider.Chat(ctx, &providers.ChatRequest{
			System:    "Summarize the requirements or tasks provided by the user. Reflect the core of the task and answer in the user's language within 15 characters.",
			Messages:  []models.Message{models.UserMessage(task.Request)},
			MaxTokens: 64,
		})
		if err != nil {
			return "", fmt.Errorf("summarize task: %w", err)
		}
		summary := strings.TrimSpace(resp.Content)
		if err := l.store.SetTaskSummary(ctx, task.ID, summary); err != nil {
			return "", err
		}
		return summary, nil
	})
	if err != nil {
		return err
	}
	if err := l.emitOnce(ctx, task, "lifecycle:summary", models.ProgressLifecycleSummary, 0, 0,
		map[string]any{"summary": summary}); err != nil {
		return err
	}

	if l.setup != nil {
		emit := func(ctx context.Context, key, progressType string, step, round int, content any) error {
			return l.emitOnce(ctx, task, "setup:"+key, progressType, step, round, content)
		}
		if err := l.setup(ctx, task, l.runner, emit); err != nil {
			return fmt.Errorf("agent setup: %w", err)
		}
	}
	return nil
}

func (l *Loop) runRound(ctx context.Context, task *models.Task, round int) (models.StepResult, error) {
	var zero models.StepResult

	if err := l.emitOnce(ctx, task, fmt.Sprintf("round:%d:start", round), models.ProgressStepStart, round, round,
		map[string]any{"step": round, "max_steps": l.cfg.MaxSteps}); err != nil {
		return zero, err
	}

	// Memory is reconstructed from the durable accumulator inside a
	// step: the reconstruction is deterministic given the stored state,
	// so a replay of this memoized step sees identical messages.
	prior, err := workflow.RunAs(ctx, l.runner, fmt.Sprintf("round:%d:memory", round),
		func(ctx context.Context) ([]models.StepResult, error) {
			return l.store.LoadStepResults(ctx, task.OrganizationID, task.ID)
		})
	if err != nil {
		return zero, err
	}

	think, err := l.think(ctx, task, round, prior)
	if err != nil {
		return zero, err
	}

	if err := l.emitOnce(ctx, task, fmt.Sprintf("round:%d:selected", round), models.ProgressToolSelected, round, round,
		map[string]any{"thoughts": think.Content, "tool_calls": think.ToolCalls}); err != nil {
		return zero, err
	}
	if isStuck(prior, think.Content) {
		if err := l.emitOnce(ctx, task, fmt.Sprintf("round:%d:stuck", round), models.ProgressStuckDetected, round, round,
			map[string]any{"hint": stuckHint}); err != nil {
			return zero, err
		}
	}

	observations, terminated, err := l.act(ctx, task, round, think)
	if err != nil {
		return zero, err
	}

	result := models.StepResult{
		Prompt:     think.Content,
		Result:     strings.Join(observations, "\n\n"),
		Terminated: terminated,
	}
	// A round that produced neither tool calls nor content cannot make
	// progress; stop rather than burn the remaining budget.
	if len(think.ToolCalls) == 0 && think.Content == "" {
		result.Terminated = true
	}

	updated := append(append([]models.StepResult{}, prior...), result)
	if _, err := l.runner.Run(ctx, fmt.Sprintf("round:%d:save", round), func(ctx context.Context) (json.RawMessage, error) {
		if err := l.store.SaveStepResults(ctx, task.OrganizationID, task.ID, updated, l.cfg.StepResultTTL); err != nil {
			return nil, err
		}
		return json.RawMessage(`"saved"`), nil
	}); err != nil {
		return zero, err
	}

	if err := l.emitOnce(ctx, task, fmt.Sprintf("round:%d:complete", round), models.ProgressStepComplete, round, round,
		map[string]any{"terminated": result.Terminated, "usage": think.Usage}); err != nil {
		return zero, err
	}
	return result, nil
}

// think invokes the model for one round inside a memoized step, so a
// replayed round reuses the recorded response instead of re-asking.
func (l *Loop) think(ctx context.Context, task *models.Task, round int, prior []models.StepResult) (roundOutcome, error) {
	system := prompt.Build(prompt.DefaultTemplate(prompt.Options{
		AgentName: l.cfg.AgentName,
		TaskID:    task.ID,
		Language:  l.cfg.Language,
		MaxSteps:  l.cfg.MaxSteps,
		Now:       task.CreatedAt,
		Tools:     l.registry.Summaries(),
	}))
	messages := buildMessages(task, prior, round, l.cfg.MaxSteps)

	return workflow.RunAs(ctx, l.runner, fmt.Sprintf("round:%d:think", round),
		func(ctx context.Context) (roundOutcome, error) {
			resp, err := l.provider.Chat(ctx, &providers.ChatRequest{
				System:      system,
				Messages:    messages,
				Tools:       l.registry.Definitions(),
				MaxTokens:   l.cfg.MaxTokens,
				Temperature: l.cfg.Temperature,
			})
			if err != nil {
				if l.metrics != nil {
					l.metrics.LLMRequests.WithLabelValues(l.provider.Name(), "error").Inc()
				}
				return roundOutcome{}, fmt.Errorf("model step %d: %w", round, err)
			}
			if l.metrics != nil {
				l.metrics.LLMRequests.WithLabelValues(l.provider.Name(), "success").Inc()
				l.metrics.LLMTokens.WithLabelValues(l.provider.Name(), "prompt").Add(float64(resp.Usage.PromptTokens))
				l.metrics.LLMTokens.WithLabelValues(l.provider.Name(), "completion").Add(float64(resp.Usage.CompletionTokens))
			}
			return roundOutcome{Content: resp.Content, ToolCalls: resp.ToolCalls, Usage: resp.Usage}, nil
		})
}

// act dispatches each tool call the model emitted and collects the
// observations fed back into memory.
func (l *Loop) act(ctx context.Context, task *models.Task, round int, think roundOutcome) ([]string, bool, error) {
	var observations []string
	terminated := false

	for i, call := range think.ToolCalls {
		callID := call.ID
		if callID == "" {
			// Stable fallback: position within the round, never a
			// timestamp or random value.
			callID = fmt.Sprintf("round-%d-call-%d", round, i)
		}
		if err := l.emitOnce(ctx, task, "tool:"+callID+":start", models.ProgressToolExecuteStart, round, round,
			map[string]any{"id": callID, "name": call.Name, "args": json.RawMessage(call.Arguments)}); err != nil {
			return nil, false, err
		}

		ec := &ExecutionContext{
			OrganizationID: task.OrganizationID,
			TaskID:         task.ID,
			ToolCallID:     callID,
			Workflow:       l.runner,
			Complete:       func(string) { terminated = true },
		}
		result := l.dispatcher.Execute(ctx, call, ec)
		observation := formatObservation(call.Name, result, l.cfg.MaxObserve)
		observations = append(observations, observation)

		if err := l.emitOnce(ctx, task, "tool:"+callID+":complete", models.ProgressToolExecuteDone, round, round,
			map[string]any{"id": callID, "name": call.Name, "result": observation, "error": result.Error}); err != nil {
			return nil, false, err
		}
		if call.Name == CompleteToolName && result.Success {
			terminated = true
		}
	}
	return observations, terminated, nil
}

// emitOnce appends one progress record, keyed so a workflow replay does
// not append it again.
func (l *Loop) emitOnce(ctx context.Context, task *models.Task, key, progressType string, step, round int, content any) error {
	_, err := l.runner.Run(ctx, "progress:"+key, func(ctx context.Context) (json.RawMessage, error) {
		payload, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("encode progress %s: %w", progressType, err)
		}
		p := &models.TaskProgress{
			TaskID:  task.ID,
			Step:    step,
			Round:   round,
			Type:    progressType,
			Content: payload,
		}
		if err := l.store.AppendProgress(ctx, p); err != nil {
			return nil, fmt.Errorf("append progress %s: %w", progressType, err)
		}
		return json.RawMessage(`"emitted"`), nil
	})
	return err
}

func (l *Loop) fail(ctx context.Context, task *models.Task, cause error) error {
	// Cooperative termination arrives as cancellation of the run
	// context; it is an outcome, not a failure.
	if errors.Is(cause, context.Canceled) {
		ctx = context.WithoutCancel(ctx)
		if err := l.emitOnce(ctx, task, "lifecycle:terminated", models.ProgressLifecycleTerminated, 0, 0,
			map[string]any{}); err != nil {
			l.logger.Error("emit terminated record", "task", task.ID, "error", err)
		}
		if err := l.store.UpdateTaskStatus(ctx, task.ID, models.TaskTerminated); err != nil {
			l.logger.Error("mark task terminated", "task", task.ID, "error", err)
		}
		l.logger.Info("task terminated", "task", task.ID)
		return nil
	}
	l.logger.Error("task failed", "task", task.ID, "error", cause)
	if err := l.emitOnce(ctx, task, "lifecycle:failed", models.ProgressLifecycleFailed, 0, 0,
		map[string]any{"error": cause.Error()}); err != nil {
		l.logger.Error("emit failure record", "task", task.ID, "error", err)
	}
	if err := l.store.UpdateTaskStatus(ctx, task.ID, models.TaskFailed); err != nil {
		l.logger.Error("mark task failed", "task", task.ID, "error", err)
	}
	return cause
}

// buildMessages reconstructs conversation memory from the accumulator:
// the original request, one assistant/observation pair per completed
// round, then the next-step instruction. Deterministic for a given
// accumulator, which is what makes the memory step replay-safe.
func buildMessages(task *models.Task, prior []models.StepResult, round, maxSteps int) []models.Message {
	messages := []models.Message{models.UserMessage(task.Request)}
	for _, sr := range prior {
		if sr.Prompt != "" {
			messages = append(messages, models.AssistantMessage(sr.Prompt))
		}
		if sr.Result != "" {
			messages = append(messages, models.UserMessage(sr.Result))
		}
	}

	next := fmt.Sprintf(
		"Current step: %d/%d (remaining: %d). Decide the next action and use tools to make progress. Call `%s` when the task is done or when you must ask the user a question.",
		round, maxSteps, maxSteps-round, CompleteToolName)
	if len(prior) >= 2 && prior[len(prior)-1].Prompt != "" && prior[len(prior)-1].Prompt == prior[len(prior)-2].Prompt {
		next = stuckHint + "\n" + next
	}
	messages = append(messages, models.UserMessage(next))
	return messages
}

// isStuck reports duplicate assistant output between the current round
// and the previous one.
func isStuck(prior []models.StepResult, content string) bool {
	if content == "" || len(prior) == 0 {
		return false
	}
	return prior[len(prior)-1].Prompt == content
}

// formatObservation frames a tool result the way the model sees it,
// truncated to maxObserve bytes.
func formatObservation(toolName string, result *models.ToolResult, maxObserve int) string {
	var body string
	switch {
	case !result.Success:
		body = "Error: " + result.Error
	case result.Data != nil:
		encoded, err := json.Marshal(result.Data)
		if err != nil {
			body = result.Message
		} else {
			body = string(encoded)
		}
	default:
		body = result.Message
	}
	if body == "" {
		return fmt.Sprintf("Cmd `%s` completed with no output", toolName)
	}
	observation := fmt.Sprintf("Observed output of cmd `%s` executed:\n%s", toolName, body)
	if len(observation) > maxObserve {
		// Back off to a rune boundary so the model never sees a
		// partial UTF-8 sequence.
		cut := maxObserve
		for cut > 0 && !utf8.RuneStart(observation[cut]) {
			cut--
		}
		observation = observation[:cut]
	}
	return observation
}
