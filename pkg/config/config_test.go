package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramai/engramlite/pkg/embed"
	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// writeConfig drops a YAML file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engramlite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefaultConfig pins the defaults to the packages they configure, so
// an empty configuration and direct construction can never drift apart.
func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, "./engram_db", c.DBPath)

	assert.Equal(t, ProviderDeterministic, c.Embedding.Provider)
	assert.Equal(t, embed.E5MultilingualLargeInstruct.ID, c.Embedding.Model)
	assert.Equal(t, "ENGRAM_EMBEDDING_API_KEY", c.Embedding.APIKeyEnv)
	assert.Equal(t, 30000, c.Embedding.TimeoutMS)
	assert.Equal(t, embed.DefaultCacheSize, c.Embedding.CacheSize)

	assert.Equal(t, ReducerNone, c.Vector.Reducer)

	hnsw := search.DefaultHNSWConfig()
	assert.Equal(t, hnsw.M, c.ANN.M)
	assert.Equal(t, hnsw.EfConstruction, c.ANN.EfConstruction)
	assert.Equal(t, hnsw.EfSearch, c.ANN.EfSearch)
	assert.Equal(t, string(hnsw.Distance), c.ANN.Distance)

	bm25 := search.DefaultBM25Config()
	assert.Equal(t, bm25.K1, c.Search.BM25K1)
	assert.Equal(t, bm25.B, c.Search.BM25B)
	assert.Equal(t, search.DefaultOversample, c.Search.Oversample)

	assert.Equal(t, int(memory.DefaultHalfLife/time.Second), c.Memory.HalfLifeSeconds)
	assert.Equal(t, int(memory.DefaultFlushInterval/time.Millisecond), c.Memory.FlushIntervalMS)
	assert.Equal(t, memory.DefaultFlushBatchSize, c.Memory.FlushBatchSize)
	assert.Zero(t, c.Memory.RecalcIntervalMS)
	w := memory.DefaultWeights()
	assert.Equal(t, w.Centrality, c.Memory.WeightCentrality)
	assert.Equal(t, w.Access, c.Memory.WeightAccess)
	assert.Equal(t, w.Recency, c.Memory.WeightRecency)
	assert.Equal(t, w.Explicit, c.Memory.WeightExplicit)

	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "console", c.Logging.Format)
	assert.Equal(t, "stderr", c.Logging.Output)

	assert.NoError(t, c.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/engrams
embedding:
  provider: openai
  model: gte-modernbert-base
  timeout_ms: 5000
vector:
  reducer: pca
  reduced_dims: 128
ann:
  ef_search: 50
memory:
  half_life_seconds: 3600
  recalc_interval_ms: 60000
logging:
  level: debug
  format: json
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/engrams", c.DBPath)
	assert.Equal(t, ProviderOpenAI, c.Embedding.Provider)
	assert.Equal(t, "gte-modernbert-base", c.Embedding.Model)
	assert.Equal(t, 5000, c.Embedding.TimeoutMS)
	assert.Equal(t, "pca", c.Vector.Reducer)
	assert.Equal(t, 128, c.Vector.ReducedDims)
	assert.Equal(t, 50, c.ANN.EfSearch)
	assert.Equal(t, 3600, c.Memory.HalfLifeSeconds)
	assert.Equal(t, 60000, c.Memory.RecalcIntervalMS)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "json", c.Logging.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, search.DefaultHNSWConfig().M, c.ANN.M)
	assert.Equal(t, embed.DefaultCacheSize, c.Embedding.CacheSize)
	assert.Equal(t, memory.DefaultFlushBatchSize, c.Memory.FlushBatchSize)

	assert.NoError(t, c.Validate())
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	c, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "db_paths: ./typo\n"))
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "embedding: [unclosed\n"))
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_DB_PATH", "/tmp/env_db")
	t.Setenv("ENGRAM_EMBEDDING_PROVIDER", "huggingface")
	t.Setenv("ENGRAM_EMBEDDING_CACHE_SIZE", "42")
	t.Setenv("ENGRAM_SEARCH_BM25_B", "0.5")
	t.Setenv("ENGRAM_MEMORY_RECALC_INTERVAL_MS", "15000")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env_db", c.DBPath)
	assert.Equal(t, ProviderHuggingFace, c.Embedding.Provider)
	assert.Equal(t, 42, c.Embedding.CacheSize)
	assert.Equal(t, 0.5, c.Search.BM25B)
	assert.Equal(t, 15000, c.Memory.RecalcIntervalMS)
}

// TestLoad_EnvBeatsFile checks precedence: defaults, then file, then
// environment.
func TestLoad_EnvBeatsFile(t *testing.T) {
	t.Setenv("ENGRAM_DB_PATH", "/tmp/from_env")
	path := writeConfig(t, "db_path: /tmp/from_file\nann:\n  m: 32\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from_env", c.DBPath)
	assert.Equal(t, 32, c.ANN.M)
}

func TestLoad_EnvBadNumberIgnored(t *testing.T) {
	t.Setenv("ENGRAM_ANN_M", "not-a-number")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, search.DefaultHNSWConfig().M, c.ANN.M)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENGRAM_LOG_LEVEL", "warn")
	c := LoadFromEnv()
	assert.Equal(t, "warn", c.Logging.Level)
	assert.Equal(t, "./engram_db", c.DBPath)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db_path", func(c *Config) { c.DBPath = "" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "azure" }},
		{"custom model without dimensions", func(c *Config) { c.Embedding.Model = "my-model" }},
		{"negative timeout", func(c *Config) { c.Embedding.TimeoutMS = -1 }},
		{"negative cache size", func(c *Config) { c.Embedding.CacheSize = -1 }},
		{"unknown reducer", func(c *Config) { c.Vector.Reducer = "umap" }},
		{"reducer without dims", func(c *Config) { c.Vector.Reducer = "pca"; c.Vector.ReducedDims = 0 }},
		{"unknown distance", func(c *Config) { c.ANN.Distance = "manhattan" }},
		{"zero m", func(c *Config) { c.ANN.M = 0 }},
		{"zero ef_construction", func(c *Config) { c.ANN.EfConstruction = 0 }},
		{"zero ef_search", func(c *Config) { c.ANN.EfSearch = 0 }},
		{"zero bm25 k1", func(c *Config) { c.Search.BM25K1 = 0 }},
		{"bm25 b above one", func(c *Config) { c.Search.BM25B = 1.5 }},
		{"zero oversample", func(c *Config) { c.Search.Oversample = 0 }},
		{"zero half life", func(c *Config) { c.Memory.HalfLifeSeconds = 0 }},
		{"zero flush interval", func(c *Config) { c.Memory.FlushIntervalMS = 0 }},
		{"zero flush batch", func(c *Config) { c.Memory.FlushBatchSize = 0 }},
		{"negative recalc interval", func(c *Config) { c.Memory.RecalcIntervalMS = -1 }},
		{"weight above one", func(c *Config) { c.Memory.WeightAccess = 1.5 }},
		{"negative weight", func(c *Config) { c.Memory.WeightRecency = -0.1 }},
		{"all-zero weights", func(c *Config) {
			c.Memory.WeightCentrality = 0
			c.Memory.WeightAccess = 0
			c.Memory.WeightRecency = 0
			c.Memory.WeightExplicit = 0
		}},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			assert.ErrorIs(t, c.Validate(), storage.ErrInvalidInput)
		})
	}
}

func TestConfig_ValidateCustomModel(t *testing.T) {
	c := DefaultConfig()
	c.Embedding.Model = "my-model"
	c.Embedding.Dimensions = 512
	assert.NoError(t, c.Validate())

	m, err := c.Embedding.ResolveModel()
	require.NoError(t, err)
	assert.Equal(t, "my-model", m.ID)
	assert.Equal(t, 512, m.Dimensions)
}

func TestEmbeddingConfig_ResolveModelAlias(t *testing.T) {
	m, err := EmbeddingConfig{Model: "e5"}.ResolveModel()
	require.NoError(t, err)
	assert.Equal(t, embed.E5MultilingualLargeInstruct.ID, m.ID)
}

func TestEmbeddingConfig_APIKey(t *testing.T) {
	t.Setenv("ENGRAM_TEST_KEY", "s3cret")
	assert.Equal(t, "s3cret", EmbeddingConfig{APIKeyEnv: "ENGRAM_TEST_KEY"}.APIKey())
	assert.Empty(t, EmbeddingConfig{}.APIKey())
	assert.Empty(t, EmbeddingConfig{APIKeyEnv: "ENGRAM_UNSET_KEY"}.APIKey())
}

func TestEmbeddingConfig_Embedder(t *testing.T) {
	det, err := DefaultConfig().Embedding.Embedder()
	require.NoError(t, err)
	assert.Nil(t, det, "deterministic provider selects the built-in fallback")

	hf := EmbeddingConfig{
		Provider:  ProviderHuggingFace,
		Model:     "e5",
		Endpoint:  "http://localhost:8080/embed",
		TimeoutMS: 1000,
	}
	e, err := hf.Embedder()
	require.NoError(t, err)
	assert.IsType(t, &embed.HuggingFaceEmbedder{}, e)

	oa := EmbeddingConfig{Provider: ProviderOpenAI, Model: "jina"}
	e, err = oa.Embedder()
	require.NoError(t, err)
	assert.IsType(t, &embed.OpenAICompatEmbedder{}, e)

	_, err = EmbeddingConfig{Provider: "azure", Model: "e5"}.Embedder()
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = EmbeddingConfig{Provider: ProviderOpenAI, Model: "my-model"}.Embedder()
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestVectorConfig_Method(t *testing.T) {
	_, enabled, err := VectorConfig{Reducer: ReducerNone}.Method()
	require.NoError(t, err)
	assert.False(t, enabled)

	_, enabled, err = VectorConfig{}.Method()
	require.NoError(t, err)
	assert.False(t, enabled)

	m, enabled, err := VectorConfig{Reducer: "pca", ReducedDims: 64}.Method()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, embed.ReducePCA, m)

	_, _, err = VectorConfig{Reducer: "umap"}.Method()
	assert.Error(t, err)
}

func TestANNConfig_HNSW(t *testing.T) {
	got, err := ANNConfig{M: 8, EfConstruction: 100, EfSearch: 64, Distance: "euclidean"}.HNSW()
	require.NoError(t, err)
	assert.Equal(t, search.HNSWConfig{
		M:              8,
		EfConstruction: 100,
		EfSearch:       64,
		Distance:       search.DistanceEuclidean,
	}, got)

	_, err = ANNConfig{Distance: "manhattan"}.HNSW()
	assert.Error(t, err)
}

func TestSearchConfig_Hybrid(t *testing.T) {
	s := SearchConfig{BM25K1: 1.5, BM25B: 0.6, Oversample: 5}
	assert.Equal(t, search.BM25Config{K1: 1.5, B: 0.6}, s.BM25())
	assert.Equal(t, search.Config{BM25: search.BM25Config{K1: 1.5, B: 0.6}, Oversample: 5}, s.Hybrid())
}

func TestMemoryConfig_Manager(t *testing.T) {
	m := MemoryConfig{
		HalfLifeSeconds:  3600,
		FlushIntervalMS:  250,
		FlushBatchSize:   64,
		RecalcIntervalMS: 60000,
		WeightCentrality: 0.4,
		WeightAccess:     0.3,
		WeightRecency:    0.2,
		WeightExplicit:   0.1,
	}.Manager()

	assert.Equal(t, time.Hour, m.HalfLife)
	assert.Equal(t, 250*time.Millisecond, m.FlushInterval)
	assert.Equal(t, 64, m.FlushBatchSize)
	assert.Equal(t, time.Minute, m.RecalcInterval)
	assert.Equal(t, memory.Weights{Centrality: 0.4, Access: 0.3, Recency: 0.2, Explicit: 0.1}, m.Weights)
}

func TestLoggingConfig_Build(t *testing.T) {
	log, err := LoggingConfig{Level: "debug", Format: "console", Output: "stderr"}.Build()
	require.NoError(t, err)
	log.Debug("configured")

	log, err = (LoggingConfig{Format: "json"}).Build()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = LoggingConfig{Level: "verbose"}.Build()
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = LoggingConfig{Format: "xml"}.Build()
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

// TestConfig_String checks the log-safe summary stays free of anything
// resembling a credential.
func TestConfig_String(t *testing.T) {
	t.Setenv("ENGRAM_EMBEDDING_API_KEY", "super-secret-token")
	c := DefaultConfig()
	s := c.String()
	assert.Contains(t, s, "./engram_db")
	assert.Contains(t, s, c.Embedding.Model)
	assert.NotContains(t, s, "super-secret-token")
}
