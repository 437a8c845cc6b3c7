package engramlite

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// AddConnection creates a typed, weighted edge between two stored
// engrams. Both endpoints must exist; referencing a missing engram is an
// integrity violation, not a not-found.
func (db *DB) AddConnection(sourceID, targetID, relationshipType string, weight float64) (*storage.Connection, error) {
	c := storage.NewConnection(sourceID, targetID, relationshipType, weight)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	if !db.graph.HasNode(graph.KindEngram, c.SourceID) {
		return nil, fmt.Errorf("%w: connection source %q is not a stored engram", storage.ErrIntegrityViolation, c.SourceID)
	}
	if !db.graph.HasNode(graph.KindEngram, c.TargetID) {
		return nil, fmt.Errorf("%w: connection target %q is not a stored engram", storage.ErrIntegrityViolation, c.TargetID)
	}

	if err := db.store.PutConnection(c); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}
	if err := db.graph.AddConnection(c.ID, c.SourceID, c.TargetID, c.RelationshipType, c.Weight); err != nil {
		return nil, fmt.Errorf("index connection: %w", err)
	}
	db.indexes.AddConnection(c)
	return c, nil
}

// GetConnection returns the connection under id.
func (db *DB) GetConnection(id string) (*storage.Connection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.store.GetConnection(id)
}

// ListConnections returns stored connections in id order, capped at the
// list limit.
func (db *DB) ListConnections() ([]*storage.Connection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	ids, err := db.store.ListConnectionIDs()
	if err != nil {
		return nil, fmt.Errorf("scan connections: %w", err)
	}
	out := make([]*storage.Connection, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		c, err := db.store.GetConnection(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping unreadable connection", zap.String("id", id), zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteConnection removes one connection without touching its
// endpoints.
func (db *DB) DeleteConnection(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	c, err := db.store.GetConnection(id)
	if err != nil {
		return err
	}
	if err := db.store.DeleteConnection(c); err != nil {
		return fmt.Errorf("delete connection %q: %w", id, err)
	}
	db.graph.RemoveConnection(id)
	db.indexes.RemoveConnection(c)
	return nil
}
