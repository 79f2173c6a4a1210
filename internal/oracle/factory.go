package oracle

import (
	"context"
	"fmt"
	"os"

	"atomforge/internal/config"
)

// NewFromConfig builds a policy-wrapped client for the configured provider.
// API keys fall back to the conventional environment variables.
func NewFromConfig(ctx context.Context, cfg config.OracleConfig) (*Client, error) {
	apiKey := cfg.APIKey

	var provider Generator
	var err error
	switch cfg.Provider {
	case "openai", "":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		provider = NewOpenAIProvider(apiKey, cfg.BaseURL, cfg.Model)
	case "anthropic":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		provider = NewAnthropicProvider(apiKey, cfg.BaseURL, cfg.Model)
	case "gemini":
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		provider, err = NewGeminiProvider(ctx, apiKey, cfg.Model)
		if err != nil {
			return nil, err
		}
	case "scripted":
		provider = NewScriptedProvider()
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}

	return NewClient(provider, cfg), nil
}
