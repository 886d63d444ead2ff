// Package providers implements the model invocation boundary. The core
// treats the model as an opaque request/response capability: messages
// and a tool catalog in, assistant content and parsed tool calls out.
package providers

import (
	"context"
	"errors"

	"github.com/iHeyTang/heyfun/pkg/models"
)

// ErrNoProviders is returned by a Failover with an empty chain.
var ErrNoProviders = errors.New("providers: no providers configured")

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []models.ToolDefinition
	MaxTokens   int
	Temperature float32
}

// ChatResponse is the assistant's reply, with any tool calls parsed out
// of the provider-specific wire format.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// Provider is an LLM backend capable of tool calling.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
