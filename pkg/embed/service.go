package embed

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/math/vector"
)

// ErrNoReducer is returned by reducer operations when no reducer is
// configured or it has not been trained yet.
var ErrNoReducer = errors.New("no trained dimension reducer configured")

// ServiceConfig configures the embedding Service.
type ServiceConfig struct {
	// Model selects dimensions and prefix behavior. Zero value means
	// E5MultilingualLargeInstruct.
	Model Model

	// Provider is the remote embedder. Nil runs fully offline on
	// deterministic vectors.
	Provider Embedder

	// CacheSize bounds the LRU in entries. <= 0 selects DefaultCacheSize.
	CacheSize int

	// Reducer optionally projects vectors before they reach the ANN
	// index. Applied only once trained.
	Reducer *Reducer

	// Logger receives fallback telemetry. Nil means no logging.
	Logger *zap.Logger
}

// Service is the embedding pipeline the engine talks to. It owns the
// instruction-prefix rules, the LRU cache, the deterministic fallback and
// the optional dimension reducer, so callers only ever see a text going
// in and a ready-to-index vector coming out.
//
// Provider failures never surface as errors: the service logs a warning
// and produces a deterministic vector instead, keeping every engine
// operation functional under network partition.
//
// Thread-safe except for TrainReducer, which callers must serialize with
// concurrent embeds; the engine runs it under its write lock.
type Service struct {
	model    Model
	provider Embedder
	cache    *Cache
	reducer  *Reducer
	log      *zap.Logger
}

// NewService assembles the pipeline from config.
func NewService(cfg ServiceConfig) *Service {
	model := cfg.Model
	if model.Dimensions == 0 {
		model = E5MultilingualLargeInstruct
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		model:    model,
		provider: cfg.Provider,
		cache:    NewCache(cfg.CacheSize),
		reducer:  cfg.Reducer,
		log:      logger,
	}
}

// EmbedPassage embeds text that is being stored, applying the "passage: "
// instruction prefix for models that want one.
func (s *Service) EmbedPassage(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, text, false)
}

// EmbedQuery embeds a search query, applying the "query: " instruction
// prefix for models that want one. Prefix-free models produce identical
// vectors from EmbedPassage and EmbedQuery.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.embed(ctx, text, true)
}

// EmbedPassages embeds a batch of texts for storage.
func (s *Service) EmbedPassages(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.embed(ctx, text, false)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// EmbedForStorage embeds a passage and returns both the original vector,
// which the engine persists so the reducer can be refit offline, and the
// vector to index: the reduced projection once a reducer is trained, the
// original otherwise. Both forms land in the cache under their own keys.
func (s *Service) EmbedForStorage(ctx context.Context, text string) (original, indexed []float32, err error) {
	input := s.model.prefixedInput(text, false)

	origKey := cacheKey(s.model.ID, input, false)
	original, ok := s.cache.Get(origKey)
	if !ok {
		original = s.generate(ctx, text, input)
		vector.NormalizeInPlace(original)
		s.cache.Put(origKey, original)
	}

	if !s.reducerReady() {
		return original, original, nil
	}

	reducedKey := cacheKey(s.model.ID, input, true)
	if indexed, ok = s.cache.Get(reducedKey); ok {
		return original, indexed, nil
	}
	indexed, err = s.reducer.Reduce(original)
	if err != nil {
		return nil, nil, err
	}
	s.cache.Put(reducedKey, indexed)
	return original, indexed, nil
}

func (s *Service) embed(ctx context.Context, text string, querying bool) ([]float32, error) {
	input := s.model.prefixedInput(text, querying)
	reduced := s.reducerReady()
	key := cacheKey(s.model.ID, input, reduced)

	if vec, ok := s.cache.Get(key); ok {
		return vec, nil
	}

	vec := s.generate(ctx, text, input)
	vector.NormalizeInPlace(vec)

	if reduced {
		out, err := s.reducer.Reduce(vec)
		if err != nil {
			return nil, err
		}
		vec = out
	}

	s.cache.Put(key, vec)
	return vec, nil
}

// generate produces a raw vector. The provider gets the prefixed input;
// the deterministic fallback hashes the bare text so a stored passage and
// the query that repeats it land on the same vector offline.
func (s *Service) generate(ctx context.Context, text, input string) []float32 {
	if s.provider == nil {
		return DeterministicVector(text, s.model.Dimensions)
	}

	vec, err := s.provider.Embed(ctx, input)
	if err != nil {
		s.log.Warn("embedding provider failed, using deterministic fallback",
			zap.String("model", s.model.ID),
			zap.Error(err))
		return DeterministicVector(text, s.model.Dimensions)
	}
	if len(vec) != s.model.Dimensions {
		s.log.Warn("embedding provider returned wrong dimensionality, using deterministic fallback",
			zap.String("model", s.model.ID),
			zap.Int("want", s.model.Dimensions),
			zap.Int("got", len(vec)))
		return DeterministicVector(text, s.model.Dimensions)
	}
	return vec
}

// reducerReady reports whether reduction applies to new vectors.
func (s *Service) reducerReady() bool {
	return s.reducer != nil && s.reducer.IsTrained()
}

// TrainReducer fits the configured reducer on a sample of original
// vectors and clears the cache so stale unreduced entries cannot leak
// into the index. Returns an error when no reducer is configured.
func (s *Service) TrainReducer(samples [][]float32) error {
	if s.reducer == nil {
		return ErrNoReducer
	}
	if err := s.reducer.Train(samples); err != nil {
		return err
	}
	s.cache.Clear()
	return nil
}

// ReduceVector projects a stored original vector with the trained
// reducer. Used when rebuilding the ANN index from persisted records.
func (s *Service) ReduceVector(vec []float32) ([]float32, error) {
	if !s.reducerReady() {
		return nil, ErrNoReducer
	}
	return s.reducer.Reduce(vec)
}

// Reducing reports whether newly embedded vectors are being reduced.
func (s *Service) Reducing() bool {
	return s.reducerReady()
}

// Model returns the model identifier the service embeds with.
func (s *Service) Model() string {
	return s.model.ID
}

// Dimensions returns the length of vectors the model produces.
func (s *Service) Dimensions() int {
	return s.model.Dimensions
}

// IndexDimensions returns the length of vectors handed to the ANN index:
// the reducer target once trained, the model dimensions otherwise.
func (s *Service) IndexDimensions() int {
	if s.reducerReady() {
		return s.reducer.TargetDimensions()
	}
	return s.model.Dimensions
}

// CacheStats returns a snapshot of the LRU counters.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// ClearCache drops all cached vectors.
func (s *Service) ClearCache() {
	s.cache.Clear()
}
