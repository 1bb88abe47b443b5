package llm

import "fmt"

// ModelConfig is a provider/model pair plus optional credentials, as
// supplied by the request, the remote user override, or the remote
// system default.
type ModelConfig struct {
	ProviderType string `json:"providerType" yaml:"provider_type"`
	ModelID      string `json:"modelId" yaml:"model_id"`
	APIKey       string `json:"apiKey,omitempty" yaml:"api_key"`
	BaseURL      string `json:"baseUrl,omitempty" yaml:"base_url"`
}

// EffectiveConfig is the fully resolved provider configuration for one
// request. Recomputed once per request; never persisted.
type EffectiveConfig struct {
	ProviderType string
	ModelID      string
	APIKey       string
	BaseURL      string
}

// Resolve merges the model configuration sources for one request.
// Priority per field: cloud user override, then the locally selected
// request config, then the remote system default. Credentials follow
// the same order so an override can carry its own key, while a request
// key still applies when the override names only a model.
func Resolve(request, override, systemDefault *ModelConfig) (EffectiveConfig, error) {
	pick := func(get func(*ModelConfig) string) string {
		for _, src := range []*ModelConfig{override, request, systemDefault} {
			if src == nil {
				continue
			}
			if v := get(src); v != "" {
				return v
			}
		}
		return ""
	}

	cfg := EffectiveConfig{
		ProviderType: pick(func(m *ModelConfig) string { return m.ProviderType }),
		ModelID:      pick(func(m *ModelConfig) string { return m.ModelID }),
		APIKey:       pick(func(m *ModelConfig) string { return m.APIKey }),
		BaseURL:      pick(func(m *ModelConfig) string { return m.BaseURL }),
	}

	if cfg.ProviderType == "" {
		return EffectiveConfig{}, fmt.Errorf("no provider type in request, override, or system default")
	}
	if cfg.ModelID == "" {
		return EffectiveConfig{}, fmt.Errorf("no model id in request, override, or system default")
	}
	return cfg, nil
}
