package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// PlanSetup returns a preparation hook that asks the model for an
// execution plan before the first round and seeds the plan into
// conversation memory, where round one picks it up as prior context.
// The model call and the memory seed share one memoized step, so a
// replayed run neither re-plans nor re-seeds.
func PlanSetup(provider providers.Provider, store Persistence, registry *Registry, cfg *LoopConfig) SetupFunc {
	cfg = sanitizeLoopConfig(cfg)
	return func(ctx context.Context, task *models.Task, runner workflow.Runner, emit EmitFunc) error {
		if err := emit(ctx, "plan:start", models.ProgressPlanStart, 0, 0, map[string]any{}); err != nil {
			return err
		}
		plan, err := workflow.RunAs(ctx, runner, "prepare:plan", func(ctx context.Context) (string, error) {
			resp, err := provider.Chat(ctx, &providers.ChatRequest{
				System:    planPrompt(cfg.Language, cfg.MaxSteps, registry.Summaries()),
				Messages:  []models.Message{models.UserMessage(task.Request)},
				MaxTokens: cfg.MaxTokens,
			})
			if err != nil {
				return "", fmt.Errorf("plan task: %w", err)
			}
			plan := strings.TrimSpace(resp.Content)
			if plan == "" {
				return "", nil
			}
			seed := []models.StepResult{{Result: "Execution plan:\n" + plan}}
			if err := store.SaveStepResults(ctx, task.OrganizationID, task.ID, seed, cfg.StepResultTTL); err != nil {
				return "", err
			}
			return plan, nil
		})
		if err != nil {
			return err
		}
		return emit(ctx, "plan:complete", models.ProgressPlanComplete, 0, 0, map[string]any{"plan": plan})
	}
}

// planPrompt frames the planning call: analysis only, no tool
// execution, bounded by the step budget and the registered tools.
func planPrompt(language string, maxSteps int, tools []models.ToolSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI assistant specialized in problem analysis and solution planning. Always answer in %s.\n\n", language)
	b.WriteString("This is a planning phase only: do not execute tools, do not make changes, and do not assume data exists without verification. Produce a plan for the execution phase to follow.\n\n")
	fmt.Fprintf(&b, "The plan must fit within %d execution steps and rely only on these tools:\n", maxSteps)
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nBreak the problem into key components, define clear success criteria, and order the work by dependency.")
	return b.String()
}
