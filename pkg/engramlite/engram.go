package engramlite

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/storage"
)

// AddEngram creates, embeds, and stores a new engram. Confidence is
// clamped to [0,1]. The returned record carries the generated id.
func (db *DB) AddEngram(ctx context.Context, content, source string, confidence float64) (*storage.Engram, error) {
	return db.PutEngram(ctx, storage.NewEngram(content, source, confidence))
}

// PutEngram validates e, embeds its content, and writes the record and
// its embedding in one atomic batch. An existing record under the same
// id is replaced; its creation timestamp survives the replace, and an
// unchanged vector is not rewritten, so re-applying the same put yields
// an identical store.
//
// The embedding call runs before the lock is taken, so a slow provider
// delays only this put.
func (db *DB) PutEngram(ctx context.Context, e *storage.Engram) (*storage.Engram, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: engram must not be nil", storage.ErrInvalidInput)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	original, indexed, err := db.embedder.EmbedForStorage(ctx, e.Content)
	if err != nil {
		return nil, fmt.Errorf("embed engram: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}

	// A corrupted record reads as no record at all: overwriting it is
	// how it gets repaired.
	old, err := db.store.GetEngram(e.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidData) {
		return nil, fmt.Errorf("load engram %q: %w", e.ID, err)
	}
	if old != nil {
		e.Timestamp = old.Timestamp
	}

	var reduced []float32
	if db.embedder.Reducing() {
		reduced = indexed
	}
	writeVector := true
	if oldRec, recErr := db.store.GetEmbedding(e.ID); recErr == nil {
		if oldRec.Model == db.embedder.Model() &&
			equalVectors(oldRec.Vector, original) &&
			equalVectors(oldRec.Reduced, reduced) {
			writeVector = false
		}
	}

	batch := db.store.NewBatch()
	if err := batch.PutEngram(e); err != nil {
		batch.Discard()
		return nil, err
	}
	if writeVector {
		rec := &storage.EmbeddingRecord{
			ID:        e.ID,
			Vector:    original,
			Reduced:   reduced,
			Model:     db.embedder.Model(),
			Dims:      len(original),
			CreatedAt: storage.Now(),
		}
		if err := batch.PutEmbedding(rec); err != nil {
			batch.Discard()
			return nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit engram %q: %w", e.ID, err)
	}

	if old != nil {
		db.indexes.UpdateEngram(old, e)
	} else {
		db.graph.AddEngram(e.ID)
		db.indexes.AddEngram(e)
	}
	if writeVector {
		if err := db.ann.Add(e.ID, indexed); err != nil {
			db.log.Warn("vector not indexable", zap.String("id", e.ID), zap.Error(err))
		}
	}
	return e, nil
}

// GetEngram returns the engram under id and records the access; the
// access count and importance update land with the next flush.
func (db *DB) GetEngram(id string) (*storage.Engram, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	e, err := db.store.GetEngram(id)
	if err != nil {
		return nil, err
	}
	db.mgr.RecordAccess(id)
	return e, nil
}

// ListEngrams returns the newest engrams, capped at the recent window.
// Listing is inventory, not recall, so it does not record accesses.
func (db *DB) ListEngrams() ([]*storage.Engram, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.queries.Engrams(query.EngramQuery{})
}

// CascadeResult reports what a delete removed alongside the engram
// itself.
type CascadeResult struct {
	ConnectionsRemoved int  `json:"connections_removed"`
	CollectionsUpdated int  `json:"collections_updated"`
	ContextsUpdated    int  `json:"contexts_updated"`
	EmbeddingRemoved   bool `json:"embedding_removed"`
}

// DeleteEngram removes the engram, every connection touching it, its
// membership entries in collections and contexts, and its embedding, all
// in one atomic batch.
func (db *DB) DeleteEngram(id string) (*CascadeResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	e, err := db.store.GetEngram(id)
	if err != nil {
		return nil, err
	}
	return db.deleteEngramLocked(e)
}

// deleteEngramLocked stages and commits the cascade for e, then applies
// the in-memory removals. Caller holds the write lock.
func (db *DB) deleteEngramLocked(e *storage.Engram) (*CascadeResult, error) {
	res := &CascadeResult{}
	batch := db.store.NewBatch()

	// Incident connections, deduplicated: a self-loop shows up on both
	// edge lists.
	seen := make(map[string]*storage.Connection)
	edges := append(db.graph.OutgoingEdges(e.ID), db.graph.IncomingEdges(e.ID)...)
	for _, edge := range edges {
		if edge.Kind != graph.EdgeConnection {
			continue
		}
		if _, ok := seen[edge.ConnID]; ok {
			continue
		}
		c, err := db.store.GetConnection(edge.ConnID)
		if err != nil {
			batch.Discard()
			return nil, fmt.Errorf("load connection %q: %w", edge.ConnID, err)
		}
		seen[edge.ConnID] = c
		batch.DeleteConnection(c)
	}
	res.ConnectionsRemoved = len(seen)

	// Membership entries. A contains edge arrives from either a
	// collection or a context; the graph knows which.
	for _, edge := range db.graph.IncomingEdges(e.ID) {
		if edge.Kind != graph.EdgeContains {
			continue
		}
		switch {
		case db.graph.HasNode(graph.KindCollection, edge.FromID):
			col, err := db.store.GetCollection(edge.FromID)
			if err != nil {
				batch.Discard()
				return nil, fmt.Errorf("load collection %q: %w", edge.FromID, err)
			}
			col.RemoveEngram(e.ID)
			if err := batch.PutCollection(col); err != nil {
				batch.Discard()
				return nil, err
			}
			res.CollectionsUpdated++
		case db.graph.HasNode(graph.KindContext, edge.FromID):
			c, err := db.store.GetContext(edge.FromID)
			if err != nil {
				batch.Discard()
				return nil, fmt.Errorf("load context %q: %w", edge.FromID, err)
			}
			c.RemoveEngram(e.ID)
			if err := batch.PutContext(c); err != nil {
				batch.Discard()
				return nil, err
			}
			res.ContextsUpdated++
		}
	}

	if _, err := db.store.GetEmbedding(e.ID); err == nil {
		batch.DeleteEmbedding(e.ID)
		res.EmbeddingRemoved = true
	}
	batch.DeleteEngram(e.ID)

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit cascade for %q: %w", e.ID, err)
	}

	for _, c := range seen {
		db.indexes.RemoveConnection(c)
	}
	db.graph.RemoveNode(graph.KindEngram, e.ID)
	db.indexes.RemoveEngram(e)
	db.ann.Remove(e.ID)

	db.log.Debug("engram deleted",
		zap.String("id", e.ID),
		zap.Int("connections", res.ConnectionsRemoved),
		zap.Int("collections", res.CollectionsUpdated),
		zap.Int("contexts", res.ContextsUpdated))
	return res, nil
}

// equalVectors reports exact element equality.
func equalVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortedIDs returns a sorted copy of ids truncated to the list limit.
func sortedIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	if len(out) > listLimit {
		out = out[:listLimit]
	}
	return out
}
