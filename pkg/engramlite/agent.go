package engramlite

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// CreateAgent registers an agent with optional capability tags.
func (db *DB) CreateAgent(name, description string, capabilities ...string) (*storage.Agent, error) {
	a := storage.NewAgent(name, description)
	for _, capability := range capabilities {
		a.AddCapability(capability)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	if err := db.store.PutAgent(a); err != nil {
		return nil, fmt.Errorf("store agent: %w", err)
	}
	db.graph.AddAgent(a.ID)
	return a, nil
}

// GetAgent returns the agent under id.
func (db *DB) GetAgent(id string) (*storage.Agent, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.store.GetAgent(id)
}

// GrantAccess lets an agent read a collection. Granting twice is a
// no-op. Both the agent and the collection must exist.
func (db *DB) GrantAccess(agentID, collectionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	a, err := db.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if !db.graph.HasNode(graph.KindCollection, collectionID) {
		return fmt.Errorf("collection %q: %w", collectionID, storage.ErrNotFound)
	}
	if !a.GrantAccess(collectionID) {
		return nil
	}
	if err := db.store.PutAgent(a); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	if err := db.graph.AddHasAccess(a.ID, collectionID); err != nil {
		return fmt.Errorf("index grant: %w", err)
	}
	return nil
}

// RevokeAccess removes an agent's grant on a collection. Revoking an
// absent grant is a no-op.
func (db *DB) RevokeAccess(agentID, collectionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	a, err := db.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if !a.RevokeAccess(collectionID) {
		return nil
	}
	if err := db.store.PutAgent(a); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	db.graph.RemoveHasAccess(a.ID, collectionID)
	return nil
}

// DeleteAgent removes the agent and withdraws it from every context it
// participates in, in one atomic batch. Collections it could access are
// untouched.
func (db *DB) DeleteAgent(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	if _, err := db.store.GetAgent(id); err != nil {
		return err
	}

	batch := db.store.NewBatch()
	contexts := db.graph.Neighbors(id, graph.EdgeParticipates, graph.Outgoing)
	for _, ctxID := range contexts {
		c, err := db.store.GetContext(ctxID)
		if err != nil {
			batch.Discard()
			return fmt.Errorf("load context %q: %w", ctxID, err)
		}
		c.RemoveAgent(id)
		if err := batch.PutContext(c); err != nil {
			batch.Discard()
			return err
		}
	}
	batch.DeleteAgent(id)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit agent delete %q: %w", id, err)
	}

	db.graph.RemoveNode(graph.KindAgent, id)
	if len(contexts) > 0 {
		db.log.Debug("agent deleted", zap.String("id", id), zap.Int("contexts_left", len(contexts)))
	}
	return nil
}

// ListAgents returns stored agents in id order, capped at the list
// limit.
func (db *DB) ListAgents() ([]*storage.Agent, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	ids, err := db.store.ListAgentIDs()
	if err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}
	out := make([]*storage.Agent, 0, len(ids))
	for _, aid := range sortedIDs(ids) {
		a, err := db.store.GetAgent(aid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping unreadable agent", zap.String("id", aid), zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
