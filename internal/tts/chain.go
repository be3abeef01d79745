package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Chain tries providers in order until one synthesizes. A primary outage
// degrades to the next provider instead of silencing the assistant; only
// when every link fails does the caller skip speaking.
type Chain struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewChain creates a Chain over the given providers, tried in order.
func NewChain(logger zerolog.Logger, providers ...Provider) *Chain {
	return &Chain{
		providers: providers,
		logger:    logger.With().Str("component", "tts").Str("provider", "chain").Logger(),
	}
}

func (c *Chain) Name() string { return "chain" }

// Synthesize returns the first successful result. Context cancellation stops
// the failover immediately.
func (c *Chain) Synthesize(ctx context.Context, req *Request) (*Audio, error) {
	if len(c.providers) == 0 {
		return nil, ErrProviderUnavailable
	}

	var lastErr error
	for _, p := range c.providers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		audio, err := p.Synthesize(ctx, req)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn().Err(err).Str("failed_provider", p.Name()).Msg("provider failed, trying next")
	}

	return nil, fmt.Errorf("%w: all providers failed: %v", ErrProviderUnavailable, lastErr)
}

// Health succeeds when any provider is healthy.
func (c *Chain) Health(ctx context.Context) error {
	var lastErr error
	for _, p := range c.providers {
		err := p.Health(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrProviderUnavailable
	}
	return lastErr
}
