package engramlite

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/embed"
	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// reducerSampleCap bounds the number of stored vectors the reducer is
// fitted on; ids are scanned in sorted order so the fit is deterministic
// for a given store.
const reducerSampleCap = 512

// storeLoader adapts the persistent engine to the query layer's record
// loader.
type storeLoader struct {
	store storage.Engine
}

func (l storeLoader) Engram(id string) (*storage.Engram, error) {
	return l.store.GetEngram(id)
}

func (l storeLoader) Connection(id string) (*storage.Connection, error) {
	return l.store.GetConnection(id)
}

// load rebuilds every derived structure from the store: the graph
// mirror, the secondary indexes, the ANN index, and the query and search
// services wired over them. Records are scanned in referential order so
// each pass can check the targets of the previous one: engrams first,
// then collections, agents, contexts, and connections last. Dangling
// references and corrupted records are logged and dropped from the
// rebuilt state; load never writes to the store.
//
// The caller holds the write lock, or is Open before the handle is
// published.
func (db *DB) load() error {
	g := graph.New()
	idx := index.New()

	// Engrams and their stored vectors.
	engramIDs, err := db.store.ListEngramIDs()
	if err != nil {
		return fmt.Errorf("scan engrams: %w", err)
	}
	sort.Strings(engramIDs)

	vectors := make(map[string][]float32)
	loaded := 0
	for _, id := range engramIDs {
		e, err := db.store.GetEngram(id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping corrupted engram", zap.String("id", id), zap.Error(err))
				continue
			}
			return fmt.Errorf("load engram %q: %w", id, err)
		}
		g.AddEngram(e.ID)
		idx.AddEngram(e)
		loaded++

		rec, err := db.store.GetEmbedding(id)
		switch {
		case err == nil:
			vectors[id] = rec.Vector
		case errors.Is(err, storage.ErrNotFound):
			// Engram without a vector; EmbedMissing can fill it later.
		case errors.Is(err, storage.ErrInvalidData):
			db.log.Warn("skipping corrupted embedding", zap.String("id", id), zap.Error(err))
		default:
			return fmt.Errorf("load embedding %q: %w", id, err)
		}
	}

	db.trainReducer(engramIDs, vectors)

	// The ANN index is sized after reducer training so a freshly fitted
	// reducer changes the index dimensionality here, not mid-fill.
	hnswCfg, err := db.cfg.ANN.HNSW()
	if err != nil {
		return err
	}
	ann := search.NewHNSWIndex(db.embedder.IndexDimensions(), hnswCfg)
	for _, id := range engramIDs {
		vec, ok := vectors[id]
		if !ok {
			continue
		}
		// Stored reduced forms are ignored: re-projecting the original
		// keeps the index consistent with the reducer fitted this load.
		if db.embedder.Reducing() {
			vec, err = db.embedder.ReduceVector(vec)
			if err != nil {
				db.log.Warn("vector not indexable", zap.String("id", id), zap.Error(err))
				continue
			}
		}
		if err := ann.Add(id, vec); err != nil {
			db.log.Warn("vector not indexable", zap.String("id", id), zap.Error(err))
		}
	}

	// Collections, with membership edges to already-loaded engrams.
	collectionIDs, err := db.store.ListCollectionIDs()
	if err != nil {
		return fmt.Errorf("scan collections: %w", err)
	}
	for _, id := range collectionIDs {
		col, err := db.store.GetCollection(id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping corrupted collection", zap.String("id", id), zap.Error(err))
				continue
			}
			return fmt.Errorf("load collection %q: %w", id, err)
		}
		g.AddCollection(col.ID)
		for _, member := range col.EngramIDs {
			if !g.HasNode(graph.KindEngram, member) {
				db.log.Warn("dropping dangling collection member",
					zap.String("collection", col.ID), zap.String("engram", member))
				continue
			}
			if err := g.AddContains(col.ID, member); err != nil {
				return fmt.Errorf("link collection %q: %w", col.ID, err)
			}
		}
	}

	// Agents, with access edges to already-loaded collections.
	agentIDs, err := db.store.ListAgentIDs()
	if err != nil {
		return fmt.Errorf("scan agents: %w", err)
	}
	for _, id := range agentIDs {
		a, err := db.store.GetAgent(id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping corrupted agent", zap.String("id", id), zap.Error(err))
				continue
			}
			return fmt.Errorf("load agent %q: %w", id, err)
		}
		g.AddAgent(a.ID)
		for _, colID := range a.AccessibleCollections {
			if !g.HasNode(graph.KindCollection, colID) {
				db.log.Warn("dropping dangling access grant",
					zap.String("agent", a.ID), zap.String("collection", colID))
				continue
			}
			if err := g.AddHasAccess(a.ID, colID); err != nil {
				return fmt.Errorf("link agent %q: %w", a.ID, err)
			}
		}
	}

	// Contexts reference both engrams and agents.
	contextIDs, err := db.store.ListContextIDs()
	if err != nil {
		return fmt.Errorf("scan contexts: %w", err)
	}
	for _, id := range contextIDs {
		c, err := db.store.GetContext(id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping corrupted context", zap.String("id", id), zap.Error(err))
				continue
			}
			return fmt.Errorf("load context %q: %w", id, err)
		}
		g.AddContext(c.ID)
		for _, member := range c.EngramIDs {
			if !g.HasNode(graph.KindEngram, member) {
				db.log.Warn("dropping dangling context member",
					zap.String("context", c.ID), zap.String("engram", member))
				continue
			}
			if err := g.AddContains(c.ID, member); err != nil {
				return fmt.Errorf("link context %q: %w", c.ID, err)
			}
		}
		for _, agentID := range c.AgentIDs {
			if !g.HasNode(graph.KindAgent, agentID) {
				db.log.Warn("dropping dangling context participant",
					zap.String("context", c.ID), zap.String("agent", agentID))
				continue
			}
			if err := g.AddParticipates(agentID, c.ID); err != nil {
				return fmt.Errorf("link context %q: %w", c.ID, err)
			}
			if err := g.AddContains(c.ID, agentID); err != nil {
				return fmt.Errorf("link context %q: %w", c.ID, err)
			}
		}
	}

	// Connections load last so both endpoints are checkable.
	connectionIDs, err := db.store.ListConnectionIDs()
	if err != nil {
		return fmt.Errorf("scan connections: %w", err)
	}
	conns := 0
	for _, id := range connectionIDs {
		c, err := db.store.GetConnection(id)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping corrupted connection", zap.String("id", id), zap.Error(err))
				continue
			}
			return fmt.Errorf("load connection %q: %w", id, err)
		}
		if !g.HasNode(graph.KindEngram, c.SourceID) || !g.HasNode(graph.KindEngram, c.TargetID) {
			db.log.Warn("dropping dangling connection",
				zap.String("id", c.ID),
				zap.String("source", c.SourceID),
				zap.String("target", c.TargetID))
			continue
		}
		if err := g.AddConnection(c.ID, c.SourceID, c.TargetID, c.RelationshipType, c.Weight); err != nil {
			return fmt.Errorf("link connection %q: %w", c.ID, err)
		}
		idx.AddConnection(c)
		conns++
	}

	db.graph = g
	db.indexes = idx
	db.ann = ann
	db.queries = query.NewEngine(idx, g, storeLoader{db.store}, db.cfg.Search.BM25(), db.log)
	db.hybrid = search.NewService(idx, ann, db.embedder, db.cfg.Search.Hybrid(), db.log)

	db.log.Info("store loaded",
		zap.Int("engrams", loaded),
		zap.Int("connections", conns),
		zap.Int("collections", len(collectionIDs)),
		zap.Int("agents", len(agentIDs)),
		zap.Int("contexts", len(contextIDs)),
		zap.Int("vectors", ann.Len()))
	return nil
}

// trainReducer fits the configured reducer on up to reducerSampleCap
// stored originals. An untrainable corpus is not an error: the store
// simply runs unreduced until enough vectors exist.
func (db *DB) trainReducer(engramIDs []string, vectors map[string][]float32) {
	if db.embedder.Reducing() || len(vectors) == 0 {
		return
	}
	samples := make([][]float32, 0, min(len(vectors), reducerSampleCap))
	for _, id := range engramIDs {
		vec, ok := vectors[id]
		if !ok {
			continue
		}
		samples = append(samples, vec)
		if len(samples) == reducerSampleCap {
			break
		}
	}
	if err := db.embedder.TrainReducer(samples); err != nil {
		if errors.Is(err, embed.ErrNoReducer) {
			return
		}
		db.log.Warn("reducer not trained, indexing at full dimensions",
			zap.Int("samples", len(samples)), zap.Error(err))
		return
	}
	db.log.Info("reducer trained",
		zap.Int("samples", len(samples)),
		zap.Int("index_dims", db.embedder.IndexDimensions()))
}

// TrainReducer refits the dimension reducer on every stored original
// vector, rewrites the persisted reduced forms, and reloads the derived
// state so the ANN index picks up the new projection. It returns the
// number of embedding records rewritten. Without a configured reducer it
// returns embed.ErrNoReducer.
func (db *DB) TrainReducer() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storage.ErrStorageClosed
	}

	ids, err := db.store.ListEngramIDs()
	if err != nil {
		return 0, fmt.Errorf("scan engrams: %w", err)
	}
	sort.Strings(ids)

	recs := make([]*storage.EmbeddingRecord, 0, len(ids))
	samples := make([][]float32, 0, min(len(ids), reducerSampleCap))
	for _, id := range ids {
		rec, err := db.store.GetEmbedding(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				continue
			}
			return 0, fmt.Errorf("load embedding %q: %w", id, err)
		}
		recs = append(recs, rec)
		if len(samples) < reducerSampleCap {
			samples = append(samples, rec.Vector)
		}
	}
	if len(recs) == 0 {
		return 0, fmt.Errorf("%w: no stored vectors to train on", storage.ErrInvalidInput)
	}
	if err := db.embedder.TrainReducer(samples); err != nil {
		return 0, err
	}

	batch := db.store.NewBatch()
	for _, rec := range recs {
		reduced, err := db.embedder.ReduceVector(rec.Vector)
		if err != nil {
			batch.Discard()
			return 0, fmt.Errorf("reduce vector %q: %w", rec.ID, err)
		}
		rec.Reduced = reduced
		if err := batch.PutEmbedding(rec); err != nil {
			batch.Discard()
			return 0, err
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("persist reduced vectors: %w", err)
	}
	if err := db.load(); err != nil {
		return 0, fmt.Errorf("reload after training: %w", err)
	}
	db.log.Info("reducer refitted",
		zap.Int("records", len(recs)),
		zap.Int("index_dims", db.embedder.IndexDimensions()))
	return len(recs), nil
}

// EmbedMissing generates and indexes vectors for engrams that have no
// stored embedding, in three phases: collect the gap under the read
// lock, embed without any lock so provider calls cannot stall the store,
// then persist and index under the write lock. Engrams deleted between
// the phases are skipped. It returns the number of vectors added.
func (db *DB) EmbedMissing(ctx context.Context) (int, error) {
	type pending struct {
		id      string
		content string
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return 0, storage.ErrStorageClosed
	}
	ids, err := db.store.ListEngramIDs()
	if err != nil {
		db.mu.RUnlock()
		return 0, fmt.Errorf("scan engrams: %w", err)
	}
	sort.Strings(ids)
	var gaps []pending
	for _, id := range ids {
		if _, err := db.store.GetEmbedding(id); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			db.mu.RUnlock()
			return 0, fmt.Errorf("load embedding %q: %w", id, err)
		}
		e, err := db.store.GetEngram(id)
		if err != nil {
			continue
		}
		gaps = append(gaps, pending{id: e.ID, content: e.Content})
	}
	db.mu.RUnlock()

	if len(gaps) == 0 {
		return 0, nil
	}

	type embedded struct {
		id       string
		original []float32
		indexed  []float32
	}
	out := make([]embedded, 0, len(gaps))
	for _, p := range gaps {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		original, indexed, err := db.embedder.EmbedForStorage(ctx, p.content)
		if err != nil {
			return 0, fmt.Errorf("embed %q: %w", p.id, err)
		}
		out = append(out, embedded{id: p.id, original: original, indexed: indexed})
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storage.ErrStorageClosed
	}
	batch := db.store.NewBatch()
	kept := out[:0]
	for _, em := range out {
		if !db.graph.HasNode(graph.KindEngram, em.id) {
			continue
		}
		rec := &storage.EmbeddingRecord{
			ID:        em.id,
			Vector:    em.original,
			Model:     db.embedder.Model(),
			Dims:      len(em.original),
			CreatedAt: storage.Now(),
		}
		if db.embedder.Reducing() {
			rec.Reduced = em.indexed
		}
		if err := batch.PutEmbedding(rec); err != nil {
			batch.Discard()
			return 0, err
		}
		kept = append(kept, em)
	}
	if len(kept) == 0 {
		batch.Discard()
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("persist embeddings: %w", err)
	}
	for _, em := range kept {
		if err := db.ann.Add(em.id, em.indexed); err != nil {
			db.log.Warn("vector not indexable", zap.String("id", em.id), zap.Error(err))
		}
	}
	db.log.Info("embedded missing vectors", zap.Int("count", len(kept)))
	return len(kept), nil
}
