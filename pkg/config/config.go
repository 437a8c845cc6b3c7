// Package config loads EngramLite configuration from a YAML file with
// ENGRAM_-prefixed environment overrides.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, the
// environment. Every value has a sensible default, so both the file and
// the environment are optional.
//
// Example Usage:
//
//	cfg, err := config.Load("engramlite.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Example file:
//
//	db_path: ./engram_db
//	embedding:
//	  provider: openai
//	  model: e5-multilingual-large-instruct
//	  endpoint: https://api.example.com/v1
//	  api_key_env: ENGRAM_EMBEDDING_API_KEY
//	  timeout_ms: 30000
//	vector:
//	  reducer: pca
//	  reduced_dims: 256
//	ann:
//	  m: 16
//	  ef_search: 100
//	memory:
//	  half_life_seconds: 2592000
//	  recalc_interval_ms: 0
//
// Environment overrides use the dotted key upper-cased with underscores:
// db_path becomes ENGRAM_DB_PATH, embedding.timeout_ms becomes
// ENGRAM_EMBEDDING_TIMEOUT_MS, and so on. Credentials never live in the
// file: embedding.api_key_env names the environment variable that holds
// the provider key (default ENGRAM_EMBEDDING_API_KEY).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/engramai/engramlite/pkg/embed"
	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// Embedding provider selectors.
const (
	// ProviderDeterministic runs fully offline on the hash embedder.
	ProviderDeterministic = "deterministic"
	// ProviderHuggingFace talks to a HuggingFace-style inference endpoint.
	ProviderHuggingFace = "huggingface"
	// ProviderOpenAI talks to an OpenAI-compatible embeddings endpoint.
	ProviderOpenAI = "openai"
)

// ReducerNone disables dimension reduction.
const ReducerNone = "none"

// Config holds all EngramLite settings.
type Config struct {
	// DBPath is the Badger store directory.
	DBPath string `yaml:"db_path"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	ANN       ANNConfig       `yaml:"ann"`
	Search    SearchConfig    `yaml:"search"`
	Memory    MemoryConfig    `yaml:"memory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EmbeddingConfig selects the embedding model and provider.
type EmbeddingConfig struct {
	// Provider selects deterministic, huggingface, or openai.
	Provider string `yaml:"provider"`
	// Model is a registry id (e5-multilingual-large-instruct,
	// gte-modernbert-base, jina-embeddings-v3, or their short aliases)
	// or any custom model name when Dimensions is set.
	Model string `yaml:"model"`
	// Dimensions must be set for custom models; 0 uses the registry.
	Dimensions int `yaml:"dimensions"`
	// Endpoint overrides the provider base URL. Optional.
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the provider
	// credential. The key itself never appears in configuration.
	APIKeyEnv string `yaml:"api_key_env"`
	// TimeoutMS bounds each provider round trip. 0 leaves it unbounded.
	TimeoutMS int `yaml:"timeout_ms"`
	// CacheSize bounds the embedding LRU in entries.
	CacheSize int `yaml:"cache_size"`
}

// VectorConfig selects the optional dimension reducer.
type VectorConfig struct {
	// Reducer is none, pca, random-projection, or truncation.
	Reducer string `yaml:"reducer"`
	// ReducedDims is the projection target; required unless Reducer is
	// none.
	ReducedDims int `yaml:"reduced_dims"`
}

// ANNConfig tunes the HNSW index. M is the standard HNSW out-degree
// parameter.
type ANNConfig struct {
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	// Distance is cosine or euclidean.
	Distance string `yaml:"distance"`
}

// SearchConfig tunes keyword scoring and hybrid retrieval.
type SearchConfig struct {
	BM25K1 float64 `yaml:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b"`
	// Oversample multiplies the result limit into the ANN fetch size.
	Oversample int `yaml:"oversample"`
}

// MemoryConfig tunes importance scoring and the access recorder.
type MemoryConfig struct {
	HalfLifeSeconds int `yaml:"half_life_seconds"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	FlushBatchSize  int `yaml:"flush_batch_size"`
	// RecalcIntervalMS is the background importance recomputation
	// cadence. 0 disables it.
	RecalcIntervalMS int `yaml:"recalc_interval_ms"`

	WeightCentrality float64 `yaml:"weight_centrality"`
	WeightAccess     float64 `yaml:"weight_access"`
	WeightRecency    float64 `yaml:"weight_recency"`
	WeightExplicit   float64 `yaml:"weight_explicit"`
}

// LoggingConfig selects the log level, encoding, and destination.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
	// Output is stderr, stdout, or a file path.
	Output string `yaml:"output"`
}

// DefaultConfig returns the built-in settings. Defaults are taken from
// the packages they configure, so an empty configuration behaves exactly
// like constructing those packages directly.
func DefaultConfig() *Config {
	hnsw := search.DefaultHNSWConfig()
	bm25 := search.DefaultBM25Config()
	weights := memory.DefaultWeights()
	return &Config{
		DBPath: "./engram_db",
		Embedding: EmbeddingConfig{
			Provider:  ProviderDeterministic,
			Model:     embed.E5MultilingualLargeInstruct.ID,
			APIKeyEnv: "ENGRAM_EMBEDDING_API_KEY",
			TimeoutMS: 30000,
			CacheSize: embed.DefaultCacheSize,
		},
		Vector: VectorConfig{
			Reducer: ReducerNone,
		},
		ANN: ANNConfig{
			M:              hnsw.M,
			EfConstruction: hnsw.EfConstruction,
			EfSearch:       hnsw.EfSearch,
			Distance:       string(hnsw.Distance),
		},
		Search: SearchConfig{
			BM25K1:     bm25.K1,
			BM25B:      bm25.B,
			Oversample: search.DefaultOversample,
		},
		Memory: MemoryConfig{
			HalfLifeSeconds:  int(memory.DefaultHalfLife / time.Second),
			FlushIntervalMS:  int(memory.DefaultFlushInterval / time.Millisecond),
			FlushBatchSize:   memory.DefaultFlushBatchSize,
			RecalcIntervalMS: 0,
			WeightCentrality: weights.Centrality,
			WeightAccess:     weights.Access,
			WeightRecency:    weights.Recency,
			WeightExplicit:   weights.Explicit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides. An empty path skips the file. Unknown keys in the file are
// rejected so typos surface at startup instead of silently using
// defaults.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parse config %s: %v", storage.ErrInvalidData, path, err)
		}
	}
	c.applyEnv()
	return c, nil
}

// LoadFromEnv returns the defaults with environment overrides applied,
// without reading any file.
func LoadFromEnv() *Config {
	c := DefaultConfig()
	c.applyEnv()
	return c
}

func (c *Config) applyEnv() {
	c.DBPath = getEnv("ENGRAM_DB_PATH", c.DBPath)

	c.Embedding.Provider = getEnv("ENGRAM_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("ENGRAM_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("ENGRAM_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Endpoint = getEnv("ENGRAM_EMBEDDING_ENDPOINT", c.Embedding.Endpoint)
	c.Embedding.APIKeyEnv = getEnv("ENGRAM_EMBEDDING_API_KEY_ENV", c.Embedding.APIKeyEnv)
	c.Embedding.TimeoutMS = getEnvInt("ENGRAM_EMBEDDING_TIMEOUT_MS", c.Embedding.TimeoutMS)
	c.Embedding.CacheSize = getEnvInt("ENGRAM_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)

	c.Vector.Reducer = getEnv("ENGRAM_VECTOR_REDUCER", c.Vector.Reducer)
	c.Vector.ReducedDims = getEnvInt("ENGRAM_VECTOR_REDUCED_DIMS", c.Vector.ReducedDims)

	c.ANN.M = getEnvInt("ENGRAM_ANN_M", c.ANN.M)
	c.ANN.EfConstruction = getEnvInt("ENGRAM_ANN_EF_CONSTRUCTION", c.ANN.EfConstruction)
	c.ANN.EfSearch = getEnvInt("ENGRAM_ANN_EF_SEARCH", c.ANN.EfSearch)
	c.ANN.Distance = getEnv("ENGRAM_ANN_DISTANCE", c.ANN.Distance)

	c.Search.BM25K1 = getEnvFloat("ENGRAM_SEARCH_BM25_K1", c.Search.BM25K1)
	c.Search.BM25B = getEnvFloat("ENGRAM_SEARCH_BM25_B", c.Search.BM25B)
	c.Search.Oversample = getEnvInt("ENGRAM_SEARCH_OVERSAMPLE", c.Search.Oversample)

	c.Memory.HalfLifeSeconds = getEnvInt("ENGRAM_MEMORY_HALF_LIFE_SECONDS", c.Memory.HalfLifeSeconds)
	c.Memory.FlushIntervalMS = getEnvInt("ENGRAM_MEMORY_FLUSH_INTERVAL_MS", c.Memory.FlushIntervalMS)
	c.Memory.FlushBatchSize = getEnvInt("ENGRAM_MEMORY_FLUSH_BATCH_SIZE", c.Memory.FlushBatchSize)
	c.Memory.RecalcIntervalMS = getEnvInt("ENGRAM_MEMORY_RECALC_INTERVAL_MS", c.Memory.RecalcIntervalMS)
	c.Memory.WeightCentrality = getEnvFloat("ENGRAM_MEMORY_WEIGHT_CENTRALITY", c.Memory.WeightCentrality)
	c.Memory.WeightAccess = getEnvFloat("ENGRAM_MEMORY_WEIGHT_ACCESS", c.Memory.WeightAccess)
	c.Memory.WeightRecency = getEnvFloat("ENGRAM_MEMORY_WEIGHT_RECENCY", c.Memory.WeightRecency)
	c.Memory.WeightExplicit = getEnvFloat("ENGRAM_MEMORY_WEIGHT_EXPLICIT", c.Memory.WeightExplicit)

	c.Logging.Level = getEnv("ENGRAM_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("ENGRAM_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("ENGRAM_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration for invalid values. Errors wrap
// storage.ErrInvalidInput so callers can classify them.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path must not be empty", storage.ErrInvalidInput)
	}

	switch strings.ToLower(c.Embedding.Provider) {
	case "", ProviderDeterministic, ProviderHuggingFace, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: unknown embedding.provider %q", storage.ErrInvalidInput, c.Embedding.Provider)
	}
	if _, err := c.Embedding.ResolveModel(); err != nil {
		return fmt.Errorf("%w: embedding.model: %v", storage.ErrInvalidInput, err)
	}
	if c.Embedding.TimeoutMS < 0 {
		return fmt.Errorf("%w: embedding.timeout_ms must not be negative", storage.ErrInvalidInput)
	}
	if c.Embedding.CacheSize < 0 {
		return fmt.Errorf("%w: embedding.cache_size must not be negative", storage.ErrInvalidInput)
	}

	if _, _, err := c.Vector.Method(); err != nil {
		return fmt.Errorf("%w: vector.reducer: %v", storage.ErrInvalidInput, err)
	}
	if c.Vector.Reducer != "" && c.Vector.Reducer != ReducerNone && c.Vector.ReducedDims <= 0 {
		return fmt.Errorf("%w: vector.reduced_dims must be positive when a reducer is configured", storage.ErrInvalidInput)
	}

	if _, err := c.ANN.HNSW(); err != nil {
		return fmt.Errorf("%w: ann.distance: %v", storage.ErrInvalidInput, err)
	}
	if c.ANN.M <= 0 {
		return fmt.Errorf("%w: ann.m must be positive", storage.ErrInvalidInput)
	}
	if c.ANN.EfConstruction <= 0 {
		return fmt.Errorf("%w: ann.ef_construction must be positive", storage.ErrInvalidInput)
	}
	if c.ANN.EfSearch <= 0 {
		return fmt.Errorf("%w: ann.ef_search must be positive", storage.ErrInvalidInput)
	}

	if c.Search.BM25K1 <= 0 {
		return fmt.Errorf("%w: search.bm25_k1 must be positive", storage.ErrInvalidInput)
	}
	if c.Search.BM25B < 0 || c.Search.BM25B > 1 {
		return fmt.Errorf("%w: search.bm25_b must be in [0,1]", storage.ErrInvalidInput)
	}
	if c.Search.Oversample < 1 {
		return fmt.Errorf("%w: search.oversample must be at least 1", storage.ErrInvalidInput)
	}

	if c.Memory.HalfLifeSeconds <= 0 {
		return fmt.Errorf("%w: memory.half_life_seconds must be positive", storage.ErrInvalidInput)
	}
	if c.Memory.FlushIntervalMS <= 0 {
		return fmt.Errorf("%w: memory.flush_interval_ms must be positive", storage.ErrInvalidInput)
	}
	if c.Memory.FlushBatchSize <= 0 {
		return fmt.Errorf("%w: memory.flush_batch_size must be positive", storage.ErrInvalidInput)
	}
	if c.Memory.RecalcIntervalMS < 0 {
		return fmt.Errorf("%w: memory.recalc_interval_ms must not be negative", storage.ErrInvalidInput)
	}
	importanceWeights := []struct {
		key   string
		value float64
	}{
		{"memory.weight_centrality", c.Memory.WeightCentrality},
		{"memory.weight_access", c.Memory.WeightAccess},
		{"memory.weight_recency", c.Memory.WeightRecency},
		{"memory.weight_explicit", c.Memory.WeightExplicit},
	}
	sum := 0.0
	for _, w := range importanceWeights {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("%w: %s must be in [0,1]", storage.ErrInvalidInput, w.key)
		}
		sum += w.value
	}
	if sum == 0 {
		return fmt.Errorf("%w: importance weights must not all be zero", storage.ErrInvalidInput)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := parseEncoding(c.Logging.Format); err != nil {
		return err
	}

	return nil
}

// String returns a summary safe for logging. The configuration never
// holds credentials, only the name of the variable that does.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DB: %s, Provider: %s, Model: %s, Reducer: %s, ANN: %s m=%d, HalfLife: %ds}",
		c.DBPath,
		c.Embedding.Provider, c.Embedding.Model,
		c.Vector.Reducer,
		c.ANN.Distance, c.ANN.M,
		c.Memory.HalfLifeSeconds,
	)
}

// ResolveModel maps the configured model identifier to its registry
// entry, building a custom model when dimensions are given.
func (e EmbeddingConfig) ResolveModel() (embed.Model, error) {
	return embed.ParseModel(e.Model, e.Dimensions)
}

// Timeout returns the provider timeout as a duration.
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// APIKey resolves the provider credential from the configured
// environment variable. Empty when unset.
func (e EmbeddingConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// Embedder builds the remote provider this section describes. A nil
// result (with nil error) selects the deterministic fallback.
func (e EmbeddingConfig) Embedder() (embed.Embedder, error) {
	model, err := e.ResolveModel()
	if err != nil {
		return nil, fmt.Errorf("%w: embedding.model: %v", storage.ErrInvalidInput, err)
	}
	switch strings.ToLower(e.Provider) {
	case "", ProviderDeterministic:
		return nil, nil
	case ProviderHuggingFace:
		cfg := embed.DefaultHuggingFaceConfig()
		cfg.Model = model
		cfg.Timeout = e.Timeout()
		if e.Endpoint != "" {
			cfg.APIURL = e.Endpoint
		}
		if key := e.APIKey(); key != "" {
			cfg.APIKey = key
		}
		return embed.NewHuggingFace(cfg), nil
	case ProviderOpenAI:
		cfg := embed.DefaultOpenAIConfig(e.APIKey())
		cfg.Model = model
		cfg.Timeout = e.Timeout()
		if e.Endpoint != "" {
			cfg.APIURL = e.Endpoint
		}
		return embed.NewOpenAICompat(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding.provider %q", storage.ErrInvalidInput, e.Provider)
	}
}

// Method maps the reducer selection onto the embed package. The second
// result is false when no reducer is configured.
func (v VectorConfig) Method() (embed.ReductionMethod, bool, error) {
	if v.Reducer == "" || v.Reducer == ReducerNone {
		return "", false, nil
	}
	m, err := embed.ParseReductionMethod(v.Reducer)
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}

// HNSW maps the section onto the ANN index tunables.
func (a ANNConfig) HNSW() (search.HNSWConfig, error) {
	d, err := search.ParseDistance(a.Distance)
	if err != nil {
		return search.HNSWConfig{}, err
	}
	return search.HNSWConfig{
		M:              a.M,
		EfConstruction: a.EfConstruction,
		EfSearch:       a.EfSearch,
		Distance:       d,
	}, nil
}

// BM25 maps the keyword scoring knobs onto the search package.
func (s SearchConfig) BM25() search.BM25Config {
	return search.BM25Config{K1: s.BM25K1, B: s.BM25B}
}

// Hybrid maps the section onto the hybrid search service config.
func (s SearchConfig) Hybrid() search.Config {
	return search.Config{BM25: s.BM25(), Oversample: s.Oversample}
}

// Manager maps the section onto the memory manager config.
func (m MemoryConfig) Manager() memory.Config {
	return memory.Config{
		HalfLife: time.Duration(m.HalfLifeSeconds) * time.Second,
		Weights: memory.Weights{
			Centrality: m.WeightCentrality,
			Access:     m.WeightAccess,
			Recency:    m.WeightRecency,
			Explicit:   m.WeightExplicit,
		},
		RecalcInterval: time.Duration(m.RecalcIntervalMS) * time.Millisecond,
		FlushInterval:  time.Duration(m.FlushIntervalMS) * time.Millisecond,
		FlushBatchSize: m.FlushBatchSize,
	}
}

// Build constructs the zap logger this section describes.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	encoding, err := parseEncoding(l.Format)
	if err != nil {
		return nil, err
	}
	output := l.Output
	if output == "" {
		output = "stderr"
	}

	enc := zap.NewProductionEncoderConfig()
	if encoding == "console" {
		enc = zap.NewDevelopmentEncoderConfig()
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("%w: unknown logging.level %q", storage.ErrInvalidInput, s)
	}
}

func parseEncoding(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "console":
		return "console", nil
	case "json":
		return "json", nil
	default:
		return "", fmt.Errorf("%w: unknown logging.format %q", storage.ErrInvalidInput, s)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
