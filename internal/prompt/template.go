package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
)

// Options parameterizes the default agent template.
type Options struct {
	AgentName string
	TaskID    string
	Language  string
	MaxSteps  int
	Now       time.Time
	Tools     []models.ToolSummary
}

// DefaultTemplate builds the standard three-layer template for an agent
// run: the preset layer carries identity and task facts, the framework
// layer carries the operating rules, and the dynamic layer carries the
// tool catalog.
func DefaultTemplate(opts Options) Template {
	language := opts.Language
	if language == "" {
		language = "English"
	}
	name := opts.AgentName
	if name == "" {
		name = "FunMax"
	}

	return Template{
		Preset: []Block{
			{
				ID:       "identity",
				Priority: 10,
				Content: fmt.Sprintf(
					"You are %s, an autonomous AI assistant that completes tasks independently with minimal user interaction.",
					name,
				),
			},
			{
				ID:       "task-info",
				Title:    "Task Information",
				Priority: 20,
				Content: fmt.Sprintf(
					"- Task ID: %s\n- Language: %s\n- Max Steps: %d (reflects expected solution complexity)\n- Current Time: %s (UTC)",
					opts.TaskID, language, opts.MaxSteps,
					opts.Now.UTC().Format("2006-01-02 15:04:05"),
				),
			},
		},
		Framework: []Block{
			{
				ID:       "guidelines",
				Title:    "Core Guidelines",
				Priority: 10,
				Content: strings.Join([]string{
					"1. Work autonomously without requiring user confirmation or clarification",
					fmt.Sprintf("2. Manage steps wisely: use the allocated %d steps effectively", opts.MaxSteps),
					"3. Actively use the available tools to execute the task rather than only making suggestions",
					"4. Execute actions directly, do not ask for user confirmation",
					"5. When the task is complete, summarize your work and call the `complete` tool to end immediately",
					"6. If you need to ask the user a question, ask it and call `complete` in the same round; the loop cannot pause otherwise",
				}, "\n"),
			},
		},
		Dynamic: []Block{
			{
				ID:       "tool-catalog",
				Title:    "Available Tools",
				Priority: 10,
				Content:  renderToolCatalog(opts.Tools),
			},
		},
	}
}

func renderToolCatalog(tools []models.ToolSummary) string {
	if len(tools) == 0 {
		return "(no tools registered)"
	}
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", t.Name, t.Category, t.Description))
	}
	return strings.Join(lines, "\n")
}
