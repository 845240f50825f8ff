// Package configbuilder turns provider configuration into a wired Resolver.
package configbuilder

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/llm"
	anthropicprovider "github.com/datasage-ai/datasage/internal/llm/providers/anthropic"
	"github.com/datasage-ai/datasage/internal/llm/providers/ollama"
	"github.com/datasage-ai/datasage/internal/llm/providers/openaichat"
)

// defaultBaseURLs routes OpenAI-compatible provider types that are not
// api.openai.com itself.
var defaultBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// newClient constructs a single provider client from its config entry.
func newClient(id string, pc config.ProviderConfig, model, baseURL string) (llm.Provider, error) {
	if model == "" {
		model = pc.Model
	}
	if baseURL == "" {
		baseURL = pc.BaseURL
	}

	switch strings.ToLower(pc.Type) {
	case "anthropic":
		return anthropicprovider.New(id, id, model, baseURL, pc.APIKey, pc.Timeout), nil
	case "ollama":
		return ollama.New(id, id, model, baseURL, pc.Timeout), nil
	case "openai", "openrouter", "deepseek", "vllm", "lmstudio", "custom":
		if baseURL == "" {
			baseURL = defaultBaseURLs[strings.ToLower(pc.Type)]
		}
		return openaichat.New(id, id, model, baseURL, pc.APIKey, pc.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for %q", pc.Type, id)
	}
}

// BuildResolver constructs the failover chain, purpose overrides, and
// one-shot client factory from configuration.
func BuildResolver(cfg *config.Config, logger *zap.Logger) (*llm.Resolver, error) {
	chain := make([]llm.Provider, 0, len(cfg.Resolver.Chain))
	for _, name := range cfg.Resolver.Chain {
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("resolver chain references unknown provider %q", name)
		}
		client, err := newClient(name, pc, "", "")
		if err != nil {
			return nil, err
		}
		chain = append(chain, client)
	}

	providerConfigs := cfg.Providers
	factory := func(providerID, model, baseURL string) (llm.Provider, error) {
		pc, ok := providerConfigs[providerID]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", providerID)
		}
		return newClient(providerID, pc, model, baseURL)
	}

	r := llm.NewResolver(chain, factory, logger)

	purposes := make(map[string]llm.PurposeOverride, len(cfg.Resolver.Purposes))
	for purpose, ov := range cfg.Resolver.Purposes {
		purposes[purpose] = llm.PurposeOverride{
			Provider: ov.Provider,
			Model:    ov.Model,
			BaseURL:  ov.BaseURL,
		}
	}
	r.Reload(chain, purposes)

	if cfg.Resolver.Preferred != "" {
		r.SetPreferredProvider(cfg.Resolver.Preferred, "")
	}

	return r, nil
}
