package engramlite

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// CreateCollection creates a named, empty collection.
func (db *DB) CreateCollection(name, description string) (*storage.Collection, error) {
	col := storage.NewCollection(name, description)
	if err := col.Validate(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	if err := db.store.PutCollection(col); err != nil {
		return nil, fmt.Errorf("store collection: %w", err)
	}
	db.graph.AddCollection(col.ID)
	return col, nil
}

// GetCollection returns the collection under id.
func (db *DB) GetCollection(id string) (*storage.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.store.GetCollection(id)
}

// AddToCollection adds a stored engram to a collection. Adding a member
// twice is a no-op. A missing collection is not-found; a missing engram
// is an integrity violation.
func (db *DB) AddToCollection(engramID, collectionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	col, err := db.store.GetCollection(collectionID)
	if err != nil {
		return err
	}
	if !db.graph.HasNode(graph.KindEngram, engramID) {
		return fmt.Errorf("%w: collection member %q is not a stored engram", storage.ErrIntegrityViolation, engramID)
	}
	if !col.AddEngram(engramID) {
		return nil
	}
	if err := db.store.PutCollection(col); err != nil {
		return fmt.Errorf("store collection: %w", err)
	}
	if err := db.graph.AddContains(col.ID, engramID); err != nil {
		return fmt.Errorf("index membership: %w", err)
	}
	return nil
}

// RemoveFromCollection removes an engram from a collection. Removing a
// non-member is a no-op.
func (db *DB) RemoveFromCollection(engramID, collectionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	col, err := db.store.GetCollection(collectionID)
	if err != nil {
		return err
	}
	if !col.RemoveEngram(engramID) {
		return nil
	}
	if err := db.store.PutCollection(col); err != nil {
		return fmt.Errorf("store collection: %w", err)
	}
	db.graph.RemoveContains(col.ID, engramID)
	return nil
}

// DeleteCollection removes the collection and revokes every agent grant
// that names it, in one atomic batch. Member engrams are untouched.
func (db *DB) DeleteCollection(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	if _, err := db.store.GetCollection(id); err != nil {
		return err
	}

	batch := db.store.NewBatch()
	agents := db.graph.Neighbors(id, graph.EdgeHasAccess, graph.Incoming)
	for _, agentID := range agents {
		a, err := db.store.GetAgent(agentID)
		if err != nil {
			batch.Discard()
			return fmt.Errorf("load agent %q: %w", agentID, err)
		}
		a.RevokeAccess(id)
		if err := batch.PutAgent(a); err != nil {
			batch.Discard()
			return err
		}
	}
	batch.DeleteCollection(id)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit collection delete %q: %w", id, err)
	}

	db.graph.RemoveNode(graph.KindCollection, id)
	if len(agents) > 0 {
		db.log.Debug("collection deleted", zap.String("id", id), zap.Int("grants_revoked", len(agents)))
	}
	return nil
}

// ListCollections returns stored collections in id order, capped at the
// list limit.
func (db *DB) ListCollections() ([]*storage.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	ids, err := db.store.ListCollectionIDs()
	if err != nil {
		return nil, fmt.Errorf("scan collections: %w", err)
	}
	out := make([]*storage.Collection, 0, len(ids))
	for _, cid := range sortedIDs(ids) {
		col, err := db.store.GetCollection(cid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping unreadable collection", zap.String("id", cid), zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}
