// Package paintboard implements the media generation tools. Each tool
// is a two-phase durable executor: a memoized create phase that debits
// credits, records a pending generation task and triggers the external
// pipeline, then an event wait for the pipeline's completion. The wait
// is deliberately not wrapped in a workflow step so the run can suspend
// there and resume when the event arrives.
package paintboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iHeyTang/heyfun/internal/agent"
	"github.com/iHeyTang/heyfun/internal/assets"
	"github.com/iHeyTang/heyfun/internal/observability"
	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// FlowControlKey bounds concurrent generation work on the pipeline side.
const FlowControlKey = "paintboard"

// Synchronous fallback when no workflow runner is attached: poll the
// generation row instead of suspending on an event. Kept alongside the
// event path on purpose; one-shot invocations have no event hub.
const (
	pollInterval = 5 * time.Second
	pollAttempts = 120
)

// Store is the persistence slice the generation tools need.
type Store interface {
	Debit(ctx context.Context, orgID string, amount int64) error
	SupportsGeneration(ctx context.Context, model string, gen models.GenerationType) (bool, error)
	CreateGenerationTask(ctx context.Context, task *models.GenerationTask) error
	GetGenerationTask(ctx context.Context, id string) (*models.GenerationTask, error)
	CompleteGenerationTask(ctx context.Context, id, assetKey, genErr string) error
	CreateAsset(ctx context.Context, asset *models.Asset) error
}

// Deps wires the tools' collaborators.
type Deps struct {
	Store       Store
	Signer      assets.Signer
	PipelineURL string
	Costs       map[models.GenerationType]int64
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// DefaultCosts is the per-modality credit price.
func DefaultCosts() map[models.GenerationType]int64 {
	return map[models.GenerationType]int64{
		models.GenerationImage: 10,
		models.GenerationVideo: 50,
		models.GenerationAudio: 20,
		models.GenerationMusic: 30,
	}
}

const generationSchema = `{
	"type": "object",
	"properties": {
		"model": {
			"type": "string",
			"description": "Generation model identifier. Must support the requested modality."
		},
		"prompt": {
			"type": "string",
			"description": "Natural language description of the content to generate."
		},
		"options": {
			"type": "object",
			"description": "Model-specific generation options, passed through to the pipeline."
		}
	},
	"required": ["model", "prompt"]
}`

// Tools returns the four generation tools ready for registration.
func Tools(deps Deps) []agent.Tool {
	if deps.Costs == nil {
		deps.Costs = DefaultCosts()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	specs := []struct {
		name        string
		genType     models.GenerationType
		description string
	}{
		{"generate_image", models.GenerationImage, "Generate an image from a text prompt. Returns a signed URL to the finished asset."},
		{"generate_video", models.GenerationVideo, "Generate a video clip from a text prompt. Returns a signed URL to the finished asset."},
		{"generate_audio", models.GenerationAudio, "Generate speech audio from a text prompt. Returns a signed URL to the finished asset."},
		{"generate_music", models.GenerationMusic, "Generate a music track from a text prompt. Returns a signed URL to the finished asset."},
	}
	tools := make([]agent.Tool, 0, len(specs))
	for _, s := range specs {
		g := &generator{deps: deps, name: s.name, genType: s.genType}
		tools = append(tools, agent.Tool{
			Definition: models.ToolDefinition{
				Name:        s.name,
				Description: s.description,
				Category:    "paintboard",
				Runtime:     models.RuntimeServer,
				Parameters:  json.RawMessage(generationSchema),
			},
			Execute: g.execute,
		})
	}
	return tools
}

type generator struct {
	deps    Deps
	name    string
	genType models.GenerationType
}

type genArgs struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options,omitempty"`
}

// createOutcome crosses the create step's memo boundary. Denied carries
// a business precondition failure: it memoizes as data, so a replay
// reports the same refusal without re-attempting the debit.
type createOutcome struct {
	Denied       string `json:"denied,omitempty"`
	GenerationID string `json:"generation_id,omitempty"`
}

// completion is the pipeline's terminal event payload.
type completion struct {
	AssetKey    string `json:"asset_key,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (g *generator) execute(ctx context.Context, raw json.RawMessage, ec *agent.ExecutionContext) (*models.ToolResult, error) {
	var args genArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if ec.OrganizationID == "" {
		return models.Fail("no organization in execution context"), nil
	}

	// The generation ID derives from the tool call ID, so a replayed
	// create step and its event key refer to the same pipeline task.
	genID := "gen-" + ec.ToolCallID

	create := func(ctx context.Context) (createOutcome, error) {
		return g.create(ctx, genID, args, ec)
	}
	var outcome createOutcome
	var err error
	if ec.Workflow != nil {
		outcome, err = workflow.RunAs(ctx, ec.Workflow, "paintboard:"+ec.ToolCallID+":create", create)
	} else {
		outcome, err = create(ctx)
	}
	if err != nil {
		return nil, err
	}
	if outcome.Denied != "" {
		return models.Fail(outcome.Denied), nil
	}

	done, err := g.await(ctx, genID, ec)
	if err != nil {
		return nil, err
	}

	if err := g.finalize(ctx, genID, done, ec); err != nil {
		return nil, err
	}
	if done.Error != "" {
		return models.Fail("generation failed: " + done.Error), nil
	}

	url, err := g.deps.Signer.SignedURL(ctx, done.AssetKey, assets.DefaultURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign asset url: %w", err)
	}
	return models.Ok(map[string]any{
		"generation_id": genID,
		"asset_key":     done.AssetKey,
		"url":           url,
	}), nil
}

func (g *generator) create(ctx context.Context, genID string, args genArgs, ec *agent.ExecutionContext) (createOutcome, error) {
	supported, err := g.deps.Store.SupportsGeneration(ctx, args.Model, g.genType)
	if err != nil {
		return createOutcome{}, fmt.Errorf("check model capability: %w", err)
	}
	if !supported {
		return createOutcome{Denied: fmt.Sprintf("Model %s does not support %s generation", args.Model, g.genType)}, nil
	}

	cost := g.deps.Costs[g.genType]
	if err := g.deps.Store.Debit(ctx, ec.OrganizationID, cost); err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			if g.deps.Metrics != nil {
				g.deps.Metrics.CreditDebits.WithLabelValues("insufficient").Inc()
			}
			return createOutcome{Denied: "Insufficient balance"}, nil
		}
		return createOutcome{}, fmt.Errorf("debit credits: %w", err)
	}
	if g.deps.Metrics != nil {
		g.deps.Metrics.CreditDebits.WithLabelValues("ok").Inc()
	}

	task := &models.GenerationTask{
		ID:             genID,
		OrganizationID: ec.OrganizationID,
		TaskID:         ec.TaskID,
		ToolCallID:     ec.ToolCallID,
		Type:           g.genType,
		Model:          args.Model,
		Prompt:         args.Prompt,
		Status:         models.GenerationPending,
	}
	if err := g.deps.Store.CreateGenerationTask(ctx, task); err != nil {
		return createOutcome{}, fmt.Errorf("record generation task: %w", err)
	}

	if g.deps.PipelineURL != "" {
		req := workflow.TriggerRequest{
			URL: g.deps.PipelineURL,
			Body: map[string]any{
				"generation_id": genID,
				"type":          g.genType,
				"model":         args.Model,
				"prompt":        args.Prompt,
				"options":       args.Options,
				"event_key":     "generation:" + genID,
			},
			FlowControlKey: FlowControlKey,
		}
		if ec.Workflow != nil {
			err = ec.Workflow.Trigger(ctx, req)
		} else {
			err = g.post(ctx, req)
		}
		if err != nil {
			return createOutcome{}, fmt.Errorf("trigger pipeline: %w", err)
		}
	}
	g.deps.Logger.Info("generation dispatched", "tool", g.name, "generation", genID, "model", args.Model, "cost", cost)
	return createOutcome{GenerationID: genID}, nil
}

// await blocks until the pipeline finishes: event suspension when a
// workflow runner is attached, row polling otherwise.
func (g *generator) await(ctx context.Context, genID string, ec *agent.ExecutionContext) (completion, error) {
	if ec.Workflow != nil {
		payload, err := ec.Workflow.WaitForEvent(ctx, "paintboard:"+ec.ToolCallID+":wait", "generation:"+genID)
		if err != nil {
			return completion{}, fmt.Errorf("wait for generation: %w", err)
		}
		var done completion
		if err := json.Unmarshal(payload, &done); err != nil {
			return completion{}, fmt.Errorf("decode generation event: %w", err)
		}
		return done, nil
	}
	return g.poll(ctx, genID)
}

func (g *generator) poll(ctx context.Context, genID string) (completion, error) {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		task, err := g.deps.Store.GetGenerationTask(ctx, genID)
		if err != nil {
			return completion{}, fmt.Errorf("poll generation task: %w", err)
		}
		switch task.Status {
		case models.GenerationCompleted:
			return completion{AssetKey: task.AssetKey}, nil
		case models.GenerationFailed:
			return completion{Error: task.Error}, nil
		}
		select {
		case <-ctx.Done():
			return completion{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return completion{}, fmt.Errorf("generation %s timed out after %d attempts", genID, pollAttempts)
}

// finalize commits the terminal state and asset row once per call.
func (g *generator) finalize(ctx context.Context, genID string, done completion, ec *agent.ExecutionContext) error {
	commit := func(ctx context.Context) (json.RawMessage, error) {
		if err := g.deps.Store.CompleteGenerationTask(ctx, genID, done.AssetKey, done.Error); err != nil {
			return nil, fmt.Errorf("complete generation task: %w", err)
		}
		if done.Error == "" && done.AssetKey != "" {
			asset := &models.Asset{
				ID:             "asset-" + ec.ToolCallID,
				OrganizationID: ec.OrganizationID,
				Key:            done.AssetKey,
				ContentType:    done.ContentType,
			}
			if err := g.deps.Store.CreateAsset(ctx, asset); err != nil {
				return nil, fmt.Errorf("record asset: %w", err)
			}
		}
		return json.RawMessage(`"finalized"`), nil
	}
	if ec.Workflow != nil {
		_, err := ec.Workflow.Run(ctx, "paintboard:"+ec.ToolCallID+":finalize", commit)
		return err
	}
	_, err := commit(ctx)
	return err
}

func (g *generator) post(ctx context.Context, req workflow.TriggerRequest) error {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Flow-Control-Key", req.FlowControlKey)
	resp, err := g.deps.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline returned status %d", resp.StatusCode)
	}
	return nil
}
