package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompatEmbedder generates embeddings through any endpoint that
// speaks the OpenAI embeddings API: OpenAI itself, Azure deployments,
// vLLM, LocalAI, text-embeddings-inference and friends.
//
// Thread-safe: the SDK client handles concurrent requests.
type OpenAICompatEmbedder struct {
	api   openai.Client
	model Model
}

// DefaultOpenAIConfig returns settings for the hosted OpenAI API.
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider: "openai",
		APIKey:   apiKey,
		Model:    CustomModel("text-embedding-3-small", 1536),
		Timeout:  30 * time.Second,
	}
}

// NewOpenAICompat creates an embedder for an OpenAI-compatible endpoint.
// A nil config uses DefaultOpenAIConfig with no key; that only works
// against local endpoints that skip authentication.
func NewOpenAICompat(config *Config) *OpenAICompatEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.APIURL != "" {
		opts = append(opts, option.WithBaseURL(config.APIURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	return &OpenAICompatEmbedder{
		api:   openai.NewClient(opts...),
		model: config.Model,
	}
}

// Embed generates an embedding for a single text.
func (e *OpenAICompatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (e *OpenAICompatEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model.HubName),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	results := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		results[d.Index] = vec
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *OpenAICompatEmbedder) Dimensions() int {
	return e.model.Dimensions
}

// Model returns the model identifier.
func (e *OpenAICompatEmbedder) Model() string {
	return e.model.ID
}
