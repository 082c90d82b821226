package embedding

import (
	"context"
	"fmt"
)

// Provider is the interface implemented by every embedding backend.
type Provider interface {
	// Embed generates the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for a batch of texts, preserving
	// input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderType enumerates the supported embedding backends.
type ProviderType string

const (
	OpenAI ProviderType = "openai" // any OpenAI-compatible /embeddings endpoint
	Ollama ProviderType = "ollama" // local Ollama server
)

// NewProvider constructs the configured embedding backend.
func NewProvider(providerType ProviderType, apiKey, model, baseURL string) (Provider, error) {
	switch providerType {
	case OpenAI, "":
		return NewOpenAIModel(apiKey, model, baseURL)
	case Ollama:
		return NewOllamaModel(model, baseURL)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", providerType)
	}
}
