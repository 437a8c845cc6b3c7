// Package engramlite provides the embedded EngramAI Lite engine.
//
// A DB bundles every moving part of the store behind one handle: the
// persistent column-family engine, the in-memory graph mirror, the
// secondary indexes, the ANN index over embedding vectors, the hybrid
// search service, and the memory manager that batches access recording
// and recomputes importance. The persistent store is authoritative; the
// in-memory structures are derived caches rebuilt on every open and on
// Refresh.
//
// One reader-writer lock protects the composite in-memory state. Writes
// build a persistent batch, commit it, then apply the in-memory updates
// before releasing; the batch commit is the linearization point. Reads
// share the lock, so a reader never observes a half-applied mutation.
//
// Example Usage:
//
//	db, err := engramlite.Open("./engram_db", nil, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	sky, err := db.AddEngram(ctx, "The sky is blue", "observation", 0.9)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	rain, _ := db.AddEngram(ctx, "Rain forms when water vapor condenses", "science", 0.95)
//	db.AddConnection(sky.ID, rain.ID, "causes", 0.8)
//
//	results, _ := db.Search(ctx, search.Query{Text: "sky", VectorText: "sky"})
//	for _, r := range results {
//		fmt.Printf("%s %.3f\n", r.ID, r.Score)
//	}
//
// Opening with an empty dataDir keeps everything in memory, which is the
// mode the tests use. All methods are safe for concurrent use.
package engramlite

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/config"
	"github.com/engramai/engramlite/pkg/embed"
	"github.com/engramai/engramlite/pkg/export"
	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// listLimit bounds the list operations to the hundred newest or first
// records, matching the query layer's recent window.
const listLimit = query.RecentWindow

// DB is an open EngramAI Lite store.
//
// The zero value is not usable; call Open. Every exported method is safe
// for concurrent use: one reader-writer lock serializes writers across
// the store, the graph, the indexes, and the ANN index as a unit.
type DB struct {
	cfg *config.Config
	log *zap.Logger

	mu     sync.RWMutex
	closed bool

	store    storage.Engine
	embedder *embed.Service
	mgr      *memory.Manager
	snap     *export.Exporter

	// Derived state, rebuilt by load: graph mirror, secondary indexes,
	// ANN index, and the two services wired over them.
	graph   *graph.Graph
	indexes *index.Indexes
	ann     *search.HNSWIndex
	queries *query.Engine
	hybrid  *search.Service
}

// Open opens or creates a store.
//
// A non-empty dataDir selects persistent storage at that path; an empty
// dataDir keeps everything in memory and loses it on Close, which suits
// tests. A nil cfg takes config.DefaultConfig; a nil logger disables
// logging.
//
// Open scans the store in referential order (engrams, collections,
// agents, contexts, connections) to rebuild the graph, the indexes, and
// the ANN index. Dangling references and corrupted records are logged
// and skipped; they never abort the open. When a dimension reducer is
// configured and stored vectors exist, the reducer is fitted on them
// before the ANN index is built.
func Open(dataDir string, cfg *config.Config, logger *zap.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		store storage.Engine
		err   error
	)
	if dataDir != "" {
		store, err = storage.NewBadgerEngine(storage.BadgerOptions{
			DataDir: dataDir,
			Logger:  storage.NewBadgerLogger(logger),
		})
	} else {
		store, err = storage.NewBadgerEngineInMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	model, err := cfg.Embedding.ResolveModel()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	provider, err := cfg.Embedding.Embedder()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var reducer *embed.Reducer
	method, configured, err := cfg.Vector.Method()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if configured {
		reducer = embed.NewReducer(method, cfg.Vector.ReducedDims)
	}

	db := &DB{
		cfg:   cfg,
		log:   logger,
		store: store,
		embedder: embed.NewService(embed.ServiceConfig{
			Model:     model,
			Provider:  provider,
			CacheSize: cfg.Embedding.CacheSize,
			Reducer:   reducer,
			Logger:    logger,
		}),
		snap: export.New(store, logger),
	}
	mgrCfg := cfg.Memory.Manager()
	db.mgr = memory.New(&mgrCfg, db.flushAccess, logger)

	if err := db.load(); err != nil {
		_ = db.mgr.Stop()
		_ = store.Close()
		return nil, err
	}
	db.mgr.Start(db.recalcImportance)

	logger.Info("store opened",
		zap.String("path", dataDir),
		zap.Bool("in_memory", dataDir == ""),
		zap.String("model", db.embedder.Model()),
		zap.Bool("reducing", db.embedder.Reducing()))
	return db, nil
}

// Close stops the memory manager, flushes pending access updates, and
// closes the store. Closing an already-closed DB is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	// The manager's final flush acquires the write lock itself, so it
	// must run after the lock is released. The store stays open until
	// that flush has landed.
	var errs []error
	if err := db.mgr.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop memory manager: %w", err))
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %v", errs)
	}
	db.log.Info("store closed")
	return nil
}

// Refresh drops and rebuilds the in-memory graph, the secondary indexes,
// and the ANN index by re-scanning the store, using the same loader as
// Open.
func (db *DB) Refresh() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	return db.load()
}

// Stats is a point-in-time snapshot of the store's size and activity.
type Stats struct {
	Engrams     int64 `json:"engrams"`
	Connections int64 `json:"connections"`
	Collections int64 `json:"collections"`
	Agents      int64 `json:"agents"`
	Contexts    int64 `json:"contexts"`
	Embeddings  int64 `json:"embeddings"`

	GraphNodes int `json:"graph_nodes"`
	GraphEdges int `json:"graph_edges"`

	ANNVectors    int `json:"ann_vectors"`
	ANNTombstones int `json:"ann_tombstones"`

	LSMBytes  int64 `json:"lsm_bytes"`
	VLogBytes int64 `json:"vlog_bytes"`

	EmbedCache embed.CacheStats    `json:"embed_cache"`
	Memory     memory.ManagerStats `json:"memory"`
}

// Stats reports per-entity record counts alongside graph, ANN, cache,
// and memory-manager counters.
func (db *DB) Stats() (*Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	ss, err := db.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return &Stats{
		Engrams:       ss.Count(storage.FamilyEngrams),
		Connections:   ss.Count(storage.FamilyConnections),
		Collections:   ss.Count(storage.FamilyCollections),
		Agents:        ss.Count(storage.FamilyAgents),
		Contexts:      ss.Count(storage.FamilyContexts),
		Embeddings:    ss.Count(storage.FamilyEmbeddings),
		GraphNodes:    db.graph.NodeCount(),
		GraphEdges:    db.graph.EdgeCount(),
		ANNVectors:    db.ann.Len(),
		ANNTombstones: db.ann.Tombstones(),
		LSMBytes:      ss.LSMBytes,
		VLogBytes:     ss.VLogBytes,
		EmbedCache:    db.embedder.CacheStats(),
		Memory:        db.mgr.Stats(),
	}, nil
}

// Compact compacts the persistent store and rebuilds the ANN graph to
// reclaim tombstones.
func (db *DB) Compact() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	if err := db.store.Compact(); err != nil {
		return fmt.Errorf("compact store: %w", err)
	}
	dropped := db.ann.Rebuild()
	db.log.Info("compacted", zap.Int("ann_tombstones_dropped", dropped))
	return nil
}
