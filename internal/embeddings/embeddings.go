// Package embeddings wraps the external embedding service. The retrieval
// engine only ever sees fixed-length vectors; this package is where text
// becomes a vector and where dimensionality is enforced.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyInput is returned when there is nothing to embed.
var ErrEmptyInput = errors.New("embeddings: empty input")

// Embedder converts text into vectors.
type Embedder interface {
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of document chunks, one vector per
	// input in the same order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed output vector length.
	Dimensions() int
}

// Config holds configuration for the OpenAI-compatible embedding client.
type Config struct {
	// APIKey authenticates against the embedding service.
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible services.
	// Empty means the official endpoint.
	BaseURL string

	// Model is the embedding model name.
	// Default: "text-embedding-3-small"
	Model string

	// Dimensions is the expected output vector length. Responses with any
	// other length are rejected.
	// Default: 1536
	Dimensions int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = string(openai.SmallEmbedding3)
	}
	if c.Dimensions == 0 {
		c.Dimensions = 1536
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("embeddings: api key required")
	}
	if c.Dimensions <= 0 {
		return errors.New("embeddings: dimensions must be positive")
	}
	return nil
}

// OpenAIEmbedder is an Embedder backed by an OpenAI-compatible embeddings
// endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	config Config
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAIEmbedder.
func NewOpenAIEmbedder(config Config) (*OpenAIEmbedder, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

// EmbedQuery implements Embedder.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments implements Embedder.
func (e *OpenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("%w: text at index %d", ErrEmptyInput, i)
		}
	}
	return e.embed(ctx, texts)
}

func (e *OpenAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.config.Model),
		Input:      texts,
		Dimensions: e.config.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: creating embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings: response index %d out of range", item.Index)
		}
		if len(item.Embedding) != e.config.Dimensions {
			return nil, fmt.Errorf("embeddings: got %d dimensions, expected %d",
				len(item.Embedding), e.config.Dimensions)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
