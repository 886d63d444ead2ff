package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Failover tries providers in order until one succeeds. The chain is
// fixed at construction; a provider failure on one request does not
// remove it from the chain.
type Failover struct {
	chain  []Provider
	logger *slog.Logger
}

// NewFailover builds a failover chain. The first provider is primary.
func NewFailover(logger *slog.Logger, chain ...Provider) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{chain: chain, logger: logger}
}

// Name implements Provider.
func (f *Failover) Name() string { return "failover" }

// Chat implements Provider. Context cancellation stops the chain
// immediately instead of marching on to the next provider.
func (f *Failover) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if len(f.chain) == 0 {
		return nil, ErrNoProviders
	}
	var errs []error
	for _, p := range f.chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("provider failed, trying next", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, fmt.Errorf("providers: all providers failed: %w", errors.Join(errs...))
}
