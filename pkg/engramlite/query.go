package engramlite

import (
	"context"
	"fmt"

	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// QueryEngrams runs a filtered engram query. Every returned engram
// counts as accessed: queries are recall, and recall is what keeps a
// memory important.
func (db *DB) QueryEngrams(q query.EngramQuery) ([]*storage.Engram, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	results, err := db.queries.Engrams(q)
	if err != nil {
		return nil, err
	}
	for _, e := range results {
		db.mgr.RecordAccess(e.ID)
	}
	return results, nil
}

// FilterByConfidence returns engrams at or above the given confidence.
func (db *DB) FilterByConfidence(minConfidence float64) ([]*storage.Engram, error) {
	if minConfidence < 0 || minConfidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", storage.ErrInvalidInput, minConfidence)
	}
	return db.QueryEngrams(query.EngramQuery{MinConfidence: minConfidence})
}

// FilterBySource returns engrams recorded from the given source.
func (db *DB) FilterBySource(source string) ([]*storage.Engram, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: source must not be empty", storage.ErrInvalidInput)
	}
	return db.QueryEngrams(query.EngramQuery{Source: source})
}

// Relationships returns connections matching the query.
func (db *DB) Relationships(q query.RelationshipQuery) ([]*storage.Connection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.queries.Relationships(q)
}

// ConnectionsOf returns all connections touching id, optionally narrowed
// to one relationship type.
func (db *DB) ConnectionsOf(id, relationshipType string) ([]*storage.Connection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.queries.ConnectionsOf(id, relationshipType)
}

// Traverse walks connections outward from an origin engram and returns
// everything reached within the depth bound. Traversal inspects
// structure rather than recalling content, so it records no accesses.
func (db *DB) Traverse(t query.Traversal) (*query.TraversalResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.queries.Traverse(t)
}

// FindPaths returns every simple connection path from source to target
// up to maxDepth hops, walking edges in both directions.
func (db *DB) FindPaths(sourceID, targetID string, maxDepth int) ([]query.Path, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.queries.FindPaths(sourceID, targetID, maxDepth)
}

// Search runs hybrid retrieval over the whole store and returns scored
// ids, best first. When the query carries VectorText but no vector, the
// text is embedded before the lock is taken so provider latency cannot
// stall writers.
func (db *DB) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	if err := db.resolveQueryVector(ctx, &q); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.hybrid.Search(ctx, q)
}

// SearchCollection runs the same hybrid retrieval restricted to the
// members of one collection.
func (db *DB) SearchCollection(ctx context.Context, collectionID string, q search.Query) ([]search.Result, error) {
	if err := db.resolveQueryVector(ctx, &q); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	col, err := db.store.GetCollection(collectionID)
	if err != nil {
		return nil, err
	}
	q.RestrictTo = index.NewIDSet(col.EngramIDs...)
	return db.hybrid.Search(ctx, q)
}

// resolveQueryVector embeds q.VectorText into q.Vector when the caller
// supplied no vector of their own.
func (db *DB) resolveQueryVector(ctx context.Context, q *search.Query) error {
	if q.Vector != nil || q.VectorText == "" {
		return nil
	}
	vec, err := db.embedder.EmbedQuery(ctx, q.VectorText)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	q.Vector = vec
	return nil
}
