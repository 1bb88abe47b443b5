package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Client is the interface all LLM providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable with the configured credentials.
	Ping(ctx context.Context) error
}

// Supported provider types.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// NewClient constructs a provider client for the resolved config.
// Returns an error for unsupported provider types; the caller treats
// that as fatal (no retry or downgrade applies).
func NewClient(cfg EffectiveConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.ProviderType) {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL, logger), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, logger), nil
	case ProviderOllama:
		// Ollama speaks the OpenAI-compatible API on /v1; no key required.
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return NewOpenAIClient("ollama", base, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.ProviderType)
	}
}
