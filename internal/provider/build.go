package provider

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/config"
)

// FromConfig registers an adapter for every provider that has credentials.
// Ollama needs none and is registered unless disabled; the emulated
// adapter only when explicitly enabled.
func FromConfig(ctx context.Context, cfg config.ProvidersConfig) *Registry {
	reg := NewRegistry()
	if cfg.OpenAIKey != "" {
		reg.Register(NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.Timeout))
	}
	if cfg.AnthropicKey != "" {
		reg.Register(NewAnthropic(cfg.AnthropicKey, cfg.AnthropicBaseURL, cfg.Timeout))
	}
	if cfg.GroqKey != "" {
		reg.Register(NewGroq(cfg.GroqKey, cfg.GroqBaseURL, cfg.Timeout))
	}
	if cfg.GoogleKey != "" {
		g, err := NewGoogle(ctx, cfg.GoogleKey, cfg.Timeout)
		if err != nil {
			log.Warn().Err(err).Msg("google provider disabled")
		} else {
			reg.Register(g)
		}
	}
	if cfg.OllamaEnabled {
		reg.Register(NewOllama(cfg.OllamaBaseURL, cfg.Timeout))
	}
	if cfg.Emulated {
		reg.Register(NewEmulated())
	}
	log.Info().Strs("providers", reg.Kinds()).Msg("provider adapters registered")
	return reg
}
