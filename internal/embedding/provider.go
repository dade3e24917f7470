// Package embedding scores candidate evidence pairs by semantic similarity.
//
// Pair texts are embedded through a pluggable provider, cached on disk keyed
// by evidence fingerprint and model, and compared with cosine similarity.
// Every provider call is reserved against the monthly budget ledger before it
// is issued and committed or released afterwards, so a provider outage or a
// budget denial never strands reserved funds.
package embedding

import (
	"context"
	"fmt"
)

// Provider embeds batches of text into fixed-dimension vectors.
type Provider interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector width this provider produces.
	Dimensions() int

	// Name identifies the provider and model, e.g. "gemini:text-embedding-004".
	// Vectors from providers with different names are never interchangeable.
	Name() string
}

// ProviderConfig selects and parameterizes a concrete provider.
type ProviderConfig struct {
	// Provider is one of "gemini", "ollama", "stub".
	Provider string
	APIKey   string
	Model    string
	// BaseURL is the Ollama endpoint, e.g. "http://localhost:11434".
	BaseURL string
}

// NewProvider constructs the provider named by cfg.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model), nil
	case "stub":
		return NewStubProvider(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
