// Package system implements the built-in control tools: the complete
// tool that ends a task cooperatively, and a direct chat-completion
// sub-call.
package system

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iHeyTang/heyfun/internal/agent"
	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

const completeSchema = `{
	"type": "object",
	"properties": {
		"summary": {
			"type": "string",
			"description": "Brief summary of the task outcome, or the question being asked of the user."
		}
	}
}`

// Complete builds the termination tool. The description instructs the
// model to call it in the same round it asks the user a question, so an
// interaction never leaves the loop spinning while it waits for a
// human.
func Complete() agent.Tool {
	return agent.Tool{
		Definition: models.ToolDefinition{
			Name: agent.CompleteToolName,
			Description: "End the current task. Call this when the task is finished, " +
				"or in the same round you ask the user a question: the task stops and waits for their reply.",
			Category:   "system",
			Runtime:    models.RuntimeServer,
			Parameters: json.RawMessage(completeSchema),
		},
		Execute: func(_ context.Context, raw json.RawMessage, ec *agent.ExecutionContext) (*models.ToolResult, error) {
			var args struct {
				Summary string `json:"summary"`
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			if ec.Complete != nil {
				ec.Complete(args.Summary)
			}
			return &models.ToolResult{Success: true, Message: "The interaction has been completed"}, nil
		},
	}
}

const chatCompletionSchema = `{
	"type": "object",
	"properties": {
		"prompt": {
			"type": "string",
			"description": "The prompt to send to the model."
		},
		"system": {
			"type": "string",
			"description": "Optional system prompt for the sub-call."
		}
	},
	"required": ["prompt"]
}`

// ChatCompletion builds a tool that issues a one-off model sub-call,
// for delegating a focused generation or transformation inside a step.
// The call is wrapped in a workflow step keyed by the tool call ID so a
// replay reuses the recorded response.
func ChatCompletion(provider providers.Provider) agent.Tool {
	return agent.Tool{
		Definition: models.ToolDefinition{
			Name:        "create_chat_completion",
			Description: "Ask the model a standalone question and return its answer verbatim. Useful for focused text generation or transformation.",
			Category:    "system",
			Runtime:     models.RuntimeServer,
			Parameters:  json.RawMessage(chatCompletionSchema),
		},
		Execute: func(ctx context.Context, raw json.RawMessage, ec *agent.ExecutionContext) (*models.ToolResult, error) {
			var args struct {
				Prompt string `json:"prompt"`
				System string `json:"system,omitempty"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}

			ask := func(ctx context.Context) (string, error) {
				resp, err := provider.Chat(ctx, &providers.ChatRequest{
					System:   args.System,
					Messages: []models.Message{models.UserMessage(args.Prompt)},
				})
				if err != nil {
					return "", err
				}
				return resp.Content, nil
			}

			var content string
			var err error
			if ec.Workflow != nil {
				content, err = workflow.RunAs(ctx, ec.Workflow, "tool:"+ec.ToolCallID+":chat", ask)
			} else {
				content, err = ask(ctx)
			}
			if err != nil {
				return nil, fmt.Errorf("chat completion: %w", err)
			}
			return models.Ok(content), nil
		},
	}
}
