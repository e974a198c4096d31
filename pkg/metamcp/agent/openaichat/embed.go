package openaichat

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/stacklok/metamcp/pkg/metamcp/discovery"
)

// defaultEmbedModel is used when the caller doesn't override it via
// WithEmbedModel.
const defaultEmbedModel = openai.SmallEmbedding3

// Embedder adapts go-openai's Embeddings API to discovery.EmbeddingProvider
// (spec §6 "Embedding provider port").
type Embedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	timeout time.Duration
}

// NewEmbedder constructs an Embedder. An empty apiKey yields an Embedder
// whose Embed always fails, matching Provider's Ready-gated shape.
func NewEmbedder(apiKey, baseURL string) *Embedder {
	e := &Embedder{model: defaultEmbedModel, timeout: defaultTimeout}
	if apiKey == "" {
		return e
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

var _ discovery.EmbeddingProvider = (*Embedder)(nil)

// Embed implements discovery.EmbeddingProvider.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.client == nil {
		return nil, errNoAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}

const errNoAPIKey = chatError("openai: no API key configured for embeddings")
