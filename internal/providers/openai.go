package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements Provider against any OpenAI-compatible chat
// completion endpoint. Transient failures (429, 5xx) are retried with
// linear backoff.
type OpenAI struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAI creates a provider for the given API key and default model.
// baseURL may be empty for the public OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Chat implements Provider.
func (p *OpenAI) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	creq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    convertMessages(req.System, req.Messages),
		Tools:       convertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		creq.Model = req.Model
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err = p.client.CreateChatCompletion(ctx, creq)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("openai: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("openai: retries exhausted: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response contained no choices")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Content: choice.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func convertMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func convertTools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Network-level failures are worth one more attempt.
	return true
}
