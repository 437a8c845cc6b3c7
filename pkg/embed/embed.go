// Package embed turns text into vectors.
//
// An embedding is a list of numbers that captures what a text MEANS, so
// that "cat" and "kitten" end up close together while "cat" and "carburetor"
// end up far apart. EngramLite stores one vector per engram and uses them
// for semantic search.
//
// The package has four layers:
//
//   - Embedder: the provider interface. Implementations talk to the
//     HuggingFace Inference API, any OpenAI-compatible endpoint, or a
//     deterministic offline generator.
//   - Model: the registry of known embedding models and their properties
//     (dimensions, instruction-prefix requirement).
//   - Cache: a bounded LRU so repeated texts never hit the network twice.
//   - Service: the orchestrator the engine uses. It applies instruction
//     prefixes, consults the cache, falls back to deterministic vectors
//     when the provider is down, normalizes, and optionally reduces
//     dimensionality before the vector reaches the ANN index.
//
// Example:
//
//	svc := embed.NewService(embed.ServiceConfig{
//		Model:    embed.E5MultilingualLargeInstruct,
//		Provider: embed.NewHuggingFace(nil),
//	})
//
//	vec, err := svc.EmbedPassage(ctx, "The sky was orange at dusk.")
//	// vec is L2-normalized, 1024 dimensions, cached for next time
//
// ELI12:
//
// Imagine a librarian who reads every note you hand her and files it at a
// precise spot on an enormous wall of shelves, where similar notes sit on
// neighboring shelves. The Embedder is the librarian, the vector is the
// shelf coordinate, and the cache is her memory of notes she has already
// filed. If the librarian is out sick (no network), a simpler clerk files
// notes by a fixed recipe instead; the spots are less meaningful but they
// are always the same for the same note, so nothing gets lost.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Embedder generates vector embeddings for text.
//
// Implementations must be safe for concurrent use. Vectors are not
// guaranteed to be normalized; the Service normalizes before use.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// Returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the expected vector length.
	Dimensions() int

	// Model returns the model identifier used by this embedder.
	Model() string
}

// Config holds settings for the HTTP-backed providers.
type Config struct {
	// Provider selects the implementation: "huggingface", "openai",
	// or "deterministic".
	Provider string

	// APIURL is the endpoint base URL.
	APIURL string

	// APIKey authenticates against the provider. For HuggingFace this is
	// read from HUGGINGFACE_API_KEY when empty.
	APIKey string

	// Model identifies the embedding model.
	Model Model

	// Timeout bounds each provider round trip.
	Timeout time.Duration
}

// DefaultHuggingFaceConfig returns settings for the HuggingFace Inference
// API with the default multilingual model.
func DefaultHuggingFaceConfig() *Config {
	return &Config{
		Provider: "huggingface",
		APIURL:   "https://api-inference.huggingface.co/models/",
		APIKey:   os.Getenv("HUGGINGFACE_API_KEY"),
		Model:    E5MultilingualLargeInstruct,
		Timeout:  30 * time.Second,
	}
}

// HuggingFaceEmbedder generates embeddings through the HuggingFace
// Inference API. Works with any feature-extraction model hosted there.
//
// Thread-safe: the underlying http.Client handles concurrent requests.
type HuggingFaceEmbedder struct {
	config *Config
	client *http.Client
}

// NewHuggingFace creates an embedder backed by the HuggingFace Inference
// API. A nil config uses DefaultHuggingFaceConfig.
func NewHuggingFace(config *Config) *HuggingFaceEmbedder {
	if config == nil {
		config = DefaultHuggingFaceConfig()
	}
	return &HuggingFaceEmbedder{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// huggingfaceRequest is the request format for the Inference API.
type huggingfaceRequest struct {
	Inputs  string                `json:"inputs"`
	Options huggingfaceReqOptions `json:"options"`
}

type huggingfaceReqOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// Embed generates an embedding for a single text.
func (e *HuggingFaceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := huggingfaceRequest{
		Inputs:  text,
		Options: huggingfaceReqOptions{WaitForModel: true},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := e.config.APIURL + e.config.Model.HubName
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("huggingface returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseEmbeddingResponse(raw)
}

// EmbedBatch generates embeddings for multiple texts.
//
// The Inference API has no reliable batch endpoint for feature extraction,
// so texts are processed one at a time.
func (e *HuggingFaceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results = append(results, vec)
	}
	return results, nil
}

// Dimensions returns the expected embedding dimensions.
func (e *HuggingFaceEmbedder) Dimensions() int {
	return e.config.Model.Dimensions
}

// Model returns the model identifier.
func (e *HuggingFaceEmbedder) Model() string {
	return e.config.Model.ID
}

// parseEmbeddingResponse extracts a vector from the provider's JSON.
// Models differ: some return a bare array, some wrap it in {"embedding": [..]},
// sentence models return one array per input. The first array of numbers wins.
func parseEmbeddingResponse(raw []byte) ([]float32, error) {
	vec, err := extractVector(raw)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("received empty embedding from api")
	}
	return vec, nil
}

func extractVector(raw []byte) ([]float32, error) {
	var direct []float32
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}

	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, nil
		}
		return nested[0], nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode response: %s", truncateForError(raw))
	}
	if emb, ok := wrapped["embedding"]; ok {
		var vec []float32
		if err := json.Unmarshal(emb, &vec); err != nil {
			return nil, fmt.Errorf("invalid embedding field in response")
		}
		return vec, nil
	}
	for _, v := range wrapped {
		var vec []float32
		if err := json.Unmarshal(v, &vec); err == nil && len(vec) > 0 {
			return vec, nil
		}
	}
	return nil, fmt.Errorf("could not find embedding in response")
}

func truncateForError(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// NewEmbedder creates an embedder based on the provider named in config.
//
// Supported providers:
//   - "huggingface": HuggingFace Inference API
//   - "openai": any OpenAI-compatible embeddings endpoint
//   - "deterministic": offline hash-based vectors
//
// Returns an error for unknown providers or missing credentials.
func NewEmbedder(config *Config) (Embedder, error) {
	if config == nil {
		config = DefaultHuggingFaceConfig()
	}
	switch config.Provider {
	case "huggingface":
		return NewHuggingFace(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAICompat(config), nil
	case "deterministic":
		return NewDeterministic(config.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", config.Provider)
	}
}
