package engramlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/storage"
)

// flushAccess is the memory manager's flush callback. It folds a batch
// of recorded accesses into the stored engrams and resyncs the
// importance index from the updated records.
//
// There is deliberately no closed check here: Close sets the flag and
// then stops the manager, whose final flush lands through this path
// while the store is still open.
func (db *DB) flushAccess(batch []memory.Access) error {
	if len(batch) == 0 {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	type delta struct {
		count uint64
		last  time.Time
	}
	deltas := make(map[string]*delta, len(batch))
	order := make([]string, 0, len(batch))
	for _, a := range batch {
		d, ok := deltas[a.ID]
		if !ok {
			d = &delta{}
			deltas[a.ID] = d
			order = append(order, a.ID)
		}
		d.count++
		if a.At.After(d.last) {
			d.last = a.At
		}
	}

	wb := db.store.NewBatch()
	applied := make([]*storage.Engram, 0, len(order))
	for _, id := range order {
		d := deltas[id]
		e, err := db.store.GetEngram(id)
		if err != nil {
			// Accessed then deleted before the flush; nothing to update.
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			wb.Discard()
			return fmt.Errorf("load engram %q: %w", id, err)
		}
		e.AccessCount += d.count
		if d.last.After(e.LastAccessed) {
			e.LastAccessed = d.last
		}
		if err := wb.PutEngram(e); err != nil {
			wb.Discard()
			return err
		}
		applied = append(applied, e)
	}
	if len(applied) == 0 {
		wb.Discard()
		return nil
	}
	if err := wb.Commit(); err != nil {
		return fmt.Errorf("flush access updates: %w", err)
	}
	for _, e := range applied {
		db.indexes.Importance.Add(e)
	}
	db.log.Debug("access batch flushed",
		zap.Int("accesses", len(batch)), zap.Int("engrams", len(applied)))
	return nil
}

// recalcImportance is the memory manager's periodic callback.
func (db *DB) recalcImportance(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	_, err := db.recalculateLocked(ctx)
	return err
}

// RecalculateImportance rescores every engram from its connection
// degree, access history, recency, and current importance, persisting
// scores that moved. It returns the number of engrams updated.
func (db *DB) RecalculateImportance(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, storage.ErrStorageClosed
	}
	return db.recalculateLocked(ctx)
}

func (db *DB) recalculateLocked(ctx context.Context) (int, error) {
	ids, err := db.store.ListEngramIDs()
	if err != nil {
		return 0, fmt.Errorf("scan engrams: %w", err)
	}
	scorer := db.mgr.Scorer()
	now := storage.Now()

	batch := db.store.NewBatch()
	changed := make([]*storage.Engram, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			batch.Discard()
			return 0, err
		}
		e, err := db.store.GetEngram(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidData) {
				continue
			}
			batch.Discard()
			return 0, fmt.Errorf("load engram %q: %w", id, err)
		}
		in, out := db.graph.ConnectionDegree(id)
		score := scorer.ScoreEngram(e, in, out, now)
		if score == e.Importance {
			continue
		}
		e.Importance = score
		if err := batch.PutEngram(e); err != nil {
			batch.Discard()
			return 0, err
		}
		changed = append(changed, e)
	}
	if len(changed) == 0 {
		batch.Discard()
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("commit importance scores: %w", err)
	}
	for _, e := range changed {
		db.indexes.Importance.UpdateImportance(e.ID, e.Importance)
	}
	db.log.Debug("importance recalculated", zap.Int("updated", len(changed)))
	return len(changed), nil
}

// SetImportance pins an engram's importance to an explicit score in
// [0,1]. The periodic recalculation blends from this value rather than
// overwriting it outright.
func (db *DB) SetImportance(id string, importance float64) error {
	if importance < 0 || importance > 1 {
		return fmt.Errorf("%w: importance %v outside [0,1]", storage.ErrInvalidInput, importance)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	e, err := db.store.GetEngram(id)
	if err != nil {
		return err
	}
	e.Importance = importance
	if err := db.store.PutEngram(e); err != nil {
		return fmt.Errorf("store engram: %w", err)
	}
	db.indexes.Importance.UpdateImportance(id, importance)
	return nil
}

// SetTTL sets or clears an engram's time to live. A nil ttlSeconds
// clears it. Expiry is observed through ExpiredEngramIDs and enforced
// only by the TTL forgetting policy; an expired engram stays readable
// until forgotten.
func (db *DB) SetTTL(id string, ttlSeconds *uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.ErrStorageClosed
	}
	e, err := db.store.GetEngram(id)
	if err != nil {
		return err
	}
	e.TTLSeconds = ttlSeconds
	if err := db.store.PutEngram(e); err != nil {
		return fmt.Errorf("store engram: %w", err)
	}
	db.indexes.Importance.SetTTL(id, ttlSeconds)
	return nil
}

// ExpiredEngramIDs returns the ids of engrams whose TTL has elapsed,
// sorted. Expiry is observed, not enforced; Forget with the TTL policy
// removes them.
func (db *DB) ExpiredEngramIDs() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.indexes.Importance.ExpiredIDs(storage.Now()).ToSortedSlice(), nil
}

// Forget deletes every engram the policy selects, cascading each delete
// through its connections and memberships. It returns the ids removed.
func (db *DB) Forget(policy memory.Policy) ([]string, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	candidates, err := policy.Candidates(db.indexes, storage.Now())
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		e, err := db.store.GetEngram(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("load engram %q: %w", id, err)
		}
		if _, err := db.deleteEngramLocked(e); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	db.log.Info("forgetting pass",
		zap.String("policy", string(policy.Kind)),
		zap.Int("removed", len(removed)))
	return removed, nil
}

// ForgettingCandidates reports which engrams the policy would remove,
// without removing anything.
func (db *DB) ForgettingCandidates(policy memory.Policy) ([]string, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return policy.Candidates(db.indexes, storage.Now())
}
