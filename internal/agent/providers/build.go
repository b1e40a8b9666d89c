package providers

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/config"
)

// Build constructs a provider registry from config. Each entry in
// cfg.Providers is keyed by a known adapter name; unknown keys are an error
// so typos fail startup instead of silently dropping a provider.
func Build(ctx context.Context, cfg config.LLMConfig) (*agent.Registry, error) {
	registry := agent.NewRegistry(cfg.DefaultProvider, cfg.FallbackChain)

	for name, pc := range cfg.Providers {
		if pc.DefaultModel == "" {
			pc.DefaultModel = cfg.DefaultModel
		}

		var provider agent.LLMProvider
		switch name {
		case "openai":
			provider = NewOpenAI(pc)
		case "ollama":
			provider = NewOllama(pc)
		case "anthropic":
			provider = NewAnthropic(pc)
		case "google":
			p, err := NewGoogle(ctx, pc)
			if err != nil {
				return nil, err
			}
			provider = p
		case "gateway":
			provider = NewGateway(pc)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
		registry.Register(provider)
	}

	if cfg.DefaultProvider != "" {
		if _, ok := registry.Get(cfg.DefaultProvider); !ok {
			return nil, fmt.Errorf("default provider %q is not configured", cfg.DefaultProvider)
		}
	}
	return registry, nil
}
