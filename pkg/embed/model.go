package embed

import (
	"fmt"
	"strings"
)

// Model describes an embedding model the engine knows how to use.
//
// ID is the engine-facing identifier (what configuration and stored
// embedding records carry). HubName is the provider-facing name sent to
// the HuggingFace or OpenAI-compatible endpoint.
type Model struct {
	ID         string
	HubName    string
	Dimensions int

	// InstructionPrefix marks models trained with instruction-style
	// inputs. For these the engine prepends "passage: " when indexing
	// and "query: " when searching; sending bare text to such a model
	// measurably degrades retrieval quality.
	InstructionPrefix bool
}

// Known models. E5 is the default: strong multilingual retrieval at 1024
// dimensions.
var (
	E5MultilingualLargeInstruct = Model{
		ID:                "e5-multilingual-large-instruct",
		HubName:           "intfloat/multilingual-e5-large-instruct",
		Dimensions:        1024,
		InstructionPrefix: true,
	}

	GTEModernBertBase = Model{
		ID:         "gte-modernbert-base",
		HubName:    "Alibaba-NLP/gte-modernbert-base",
		Dimensions: 768,
	}

	JinaEmbeddingsV3 = Model{
		ID:         "jina-embeddings-v3",
		HubName:    "jinaai/jina-embeddings-v3",
		Dimensions: 768,
	}
)

// CustomModel builds a Model for an arbitrary provider-hosted model.
// Models with "e5" in the name inherit the instruction-prefix requirement.
func CustomModel(name string, dimensions int) Model {
	return Model{
		ID:                name,
		HubName:           name,
		Dimensions:        dimensions,
		InstructionPrefix: strings.Contains(strings.ToLower(name), "e5"),
	}
}

// ModelByID resolves a configuration identifier to a known model.
// Accepts the engine IDs above plus the spelled-out aliases used in
// configuration files.
func ModelByID(id string) (Model, bool) {
	switch strings.ToLower(id) {
	case "", "e5", "e5-multilingual-large-instruct":
		return E5MultilingualLargeInstruct, true
	case "gte", "gte-modernbert-base":
		return GTEModernBertBase, true
	case "jina", "jina-v3", "jina-embeddings-v3":
		return JinaEmbeddingsV3, true
	default:
		return Model{}, false
	}
}

// ParseModel resolves a configuration identifier, falling back to a
// custom model when dims > 0, and erroring otherwise.
func ParseModel(id string, dims int) (Model, error) {
	if m, ok := ModelByID(id); ok {
		return m, nil
	}
	if dims > 0 {
		return CustomModel(id, dims), nil
	}
	return Model{}, fmt.Errorf("unknown embedding model %q (custom models need explicit dimensions)", id)
}

// prefixedInput returns the provider input for a text, applying the
// instruction prefix when the model requires one.
func (m Model) prefixedInput(text string, querying bool) string {
	if !m.InstructionPrefix {
		return text
	}
	if querying {
		return "query: " + text
	}
	return "passage: " + text
}
