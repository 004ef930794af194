package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pith/internal/config"
	"github.com/haasonsaas/pith/internal/llm"
	"github.com/haasonsaas/pith/internal/toolexec"
)

func uuidString() string {
	return uuid.NewString()
}

// toolexecConfig configures the run_python built-in's subprocess sandbox.
func toolexecConfig() toolexec.RunnerConfig {
	return toolexec.RunnerConfig{
		Interpreter:    "python3",
		Timeout:        10 * time.Second,
		MaxOutputBytes: 64 * 1024,
	}
}

// buildModel selects the configured provider and, when a second provider's
// API key is also present in the environment, wraps it in a FallbackChain
// (internal/llm/fallback.go) so a transient failure on the primary provider
// falls through instead of failing the turn.
func buildModel(cfg config.ModelConfig, log *slog.Logger) (llm.Model, error) {
	primary, err := newProvider(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}

	var fallbacks []llm.Model
	for _, alt := range []string{"anthropic", "openai", "google"} {
		if alt == cfg.Provider {
			continue
		}
		altCfg := cfg
		altCfg.Provider = alt
		if altCfg.APIKeyEnv == cfg.APIKeyEnv {
			altCfg.APIKeyEnv = defaultAPIKeyEnv(alt)
		}
		if os.Getenv(altCfg.APIKeyEnv) == "" {
			continue
		}
		model, err := newProvider(alt, altCfg)
		if err != nil {
			log.Warn("skipping fallback provider", "provider", alt, "error", err)
			continue
		}
		fallbacks = append(fallbacks, model)
	}

	if len(fallbacks) == 0 {
		return primary, nil
	}
	return llm.NewFallbackChain(log, append([]llm.Model{primary}, fallbacks...)...), nil
}

func newProvider(name string, cfg config.ModelConfig) (llm.Model, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	switch name {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       apiKey,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       apiKey,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			DefaultModel: cfg.Model,
		})
	case "google":
		return llm.NewGoogleProvider(llm.GoogleConfig{
			APIKey:       apiKey,
			MaxRetries:   3,
			RetryDelay:   time.Second,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", name)
	}
}

func defaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}
