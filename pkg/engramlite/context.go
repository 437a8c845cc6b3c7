package engramlite

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// CreateContext creates a named working context. Contexts group the
// engrams and agents involved in one task or conversation.
func (db *DB) CreateContext(name, description string) (*storage.Context, error) {
	c := storage.NewContext(name, description)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	if err := db.store.PutContext(c); err != nil {
		return nil, fmt.Errorf("store context: %w", err)
	}
	db.graph.AddContext(c.ID)
	return c, nil
}

// GetContext returns the context under id.
func (db *DB) GetContext(id string) (*storage.Context, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.store.GetContext(id)
}

// AddToContext adds a stored engram to a context. Adding a member twice
// is a no-op. A missing context is not-found; a missing engram is an
// integrity violation.
func (db *DB) AddToContext(engramID, contextID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	c, err := db.store.GetContext(contextID)
	if err != nil {
		return err
	}
	if !db.graph.HasNode(graph.KindEngram, engramID) {
		return fmt.Errorf("%w: context member %q is not a stored engram", storage.ErrIntegrityViolation, engramID)
	}
	if !c.AddEngram(engramID) {
		return nil
	}
	if err := db.store.PutContext(c); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	if err := db.graph.AddContains(c.ID, engramID); err != nil {
		return fmt.Errorf("index membership: %w", err)
	}
	return nil
}

// AddAgentToContext registers an agent as a participant in a context.
// Both must exist; adding a participant twice is a no-op.
func (db *DB) AddAgentToContext(agentID, contextID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	c, err := db.store.GetContext(contextID)
	if err != nil {
		return err
	}
	if !db.graph.HasNode(graph.KindAgent, agentID) {
		return fmt.Errorf("agent %q: %w", agentID, storage.ErrNotFound)
	}
	if !c.AddAgent(agentID) {
		return nil
	}
	if err := db.store.PutContext(c); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	if err := db.graph.AddParticipates(agentID, c.ID); err != nil {
		return fmt.Errorf("index participation: %w", err)
	}
	if err := db.graph.AddContains(c.ID, agentID); err != nil {
		return fmt.Errorf("index membership: %w", err)
	}
	return nil
}

// RemoveFromContext removes an engram from a context. Removing a
// non-member is a no-op.
func (db *DB) RemoveFromContext(engramID, contextID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	c, err := db.store.GetContext(contextID)
	if err != nil {
		return err
	}
	if !c.RemoveEngram(engramID) {
		return nil
	}
	if err := db.store.PutContext(c); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	db.graph.RemoveContains(c.ID, engramID)
	return nil
}

// RemoveAgentFromContext withdraws an agent from a context. Removing an
// absent participant is a no-op.
func (db *DB) RemoveAgentFromContext(agentID, contextID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	c, err := db.store.GetContext(contextID)
	if err != nil {
		return err
	}
	if !c.RemoveAgent(agentID) {
		return nil
	}
	if err := db.store.PutContext(c); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	db.graph.RemoveParticipates(agentID, c.ID)
	db.graph.RemoveContains(c.ID, agentID)
	return nil
}

// DeleteContext removes the context record. Member engrams and
// participating agents are untouched; nothing else references a
// context.
func (db *DB) DeleteContext(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	if _, err := db.store.GetContext(id); err != nil {
		return err
	}
	if err := db.store.DeleteContext(id); err != nil {
		return fmt.Errorf("delete context %q: %w", id, err)
	}
	db.graph.RemoveNode(graph.KindContext, id)
	return nil
}

// ListContexts returns stored contexts in id order, capped at the list
// limit.
func (db *DB) ListContexts() ([]*storage.Context, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	ids, err := db.store.ListContextIDs()
	if err != nil {
		return nil, fmt.Errorf("scan contexts: %w", err)
	}
	out := make([]*storage.Context, 0, len(ids))
	for _, cid := range sortedIDs(ids) {
		c, err := db.store.GetContext(cid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				db.log.Warn("skipping unreadable context", zap.String("id", cid), zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
