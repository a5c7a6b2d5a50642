package providers

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/config"
)

// Registry maps public model ids to the provider serving them. Adding a
// model is a Register call.
type Registry struct {
	providers map[string]CompletionProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]CompletionProvider)}
}

// NewRegistryFromConfig registers every rate table model. Models without
// an API key are served by a SimulatedProvider.
func NewRegistryFromConfig(cfg *config.Config, logger *slog.Logger) *Registry {
	r := NewRegistry()

	register := func(modelID, display, apiKey string, build func() CompletionProvider) {
		if apiKey == "" {
			logger.Warn("no API key configured, serving simulated responses", "model", modelID)
			r.Register(modelID, NewSimulatedProvider(display))
			return
		}
		r.Register(modelID, build())
	}

	register("gpt4", "GPT-4", cfg.OpenAIAPIKey, func() CompletionProvider {
		return NewOpenAIProvider("openai", cfg.OpenAIAPIKey, "", "gpt-4o")
	})
	register("claude", "Claude", cfg.AnthropicAPIKey, func() CompletionProvider {
		return NewAnthropicProvider(cfg.AnthropicAPIKey, "", "claude-sonnet-4-5-20250929")
	})
	register("gemini", "Gemini", cfg.GeminiAPIKey, func() CompletionProvider {
		return NewGeminiProvider(cfg.GeminiAPIKey, "", "gemini-2.5-flash")
	})
	register("deepseek", "DeepSeek", cfg.DeepSeekAPIKey, func() CompletionProvider {
		return NewOpenAIProvider("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, "deepseek-chat")
	})

	return r
}

// Register binds modelID to p, replacing any previous binding.
func (r *Registry) Register(modelID string, p CompletionProvider) {
	r.providers[modelID] = p
}

// Get returns the provider for modelID.
func (r *Registry) Get(modelID string) (CompletionProvider, error) {
	p, ok := r.providers[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", apperr.ErrInvalidRequest, modelID)
	}
	return p, nil
}

// Models returns the registered model ids, sorted.
func (r *Registry) Models() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
