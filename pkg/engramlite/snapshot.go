package engramlite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/export"
	"github.com/engramai/engramlite/pkg/storage"
)

// Snapshot captures the whole store as a portable snapshot: engrams,
// connections, collections, agents, and contexts. Embeddings do not
// travel; a restored store re-embeds through EmbedMissing.
func (db *DB) Snapshot() (*export.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.snap.Export()
}

// SnapshotCollection captures one collection: its member engrams and
// the connections running between members. Agents and contexts stay
// behind.
func (db *DB) SnapshotCollection(collectionID string) (*export.Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, storage.ErrStorageClosed
	}
	return db.snap.ExportCollection(collectionID)
}

// Restore merges a snapshot into the store in one atomic batch and
// rebuilds the derived state. Records arriving under an existing id
// replace it.
func (db *DB) Restore(s *export.Snapshot) (export.Counts, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return export.Counts{}, storage.ErrStorageClosed
	}
	counts, err := db.snap.Import(s)
	if err != nil {
		return counts, err
	}
	if err := db.load(); err != nil {
		return counts, fmt.Errorf("reload after import: %w", err)
	}
	return counts, nil
}

// Export writes a snapshot to a JSON file. An empty collectionID
// exports the whole store; otherwise only that collection.
func (db *DB) Export(path, collectionID string) error {
	var (
		s   *export.Snapshot
		err error
	)
	if collectionID == "" {
		s, err = db.Snapshot()
	} else {
		s, err = db.SnapshotCollection(collectionID)
	}
	if err != nil {
		return err
	}
	if err := export.WriteFile(path, s); err != nil {
		return err
	}
	db.log.Info("exported snapshot",
		zap.String("path", path),
		zap.String("collection", collectionID),
		zap.Int("engrams", len(s.Engrams)))
	return nil
}

// Import reads a snapshot file and restores it into the store.
func (db *DB) Import(path string) (export.Counts, error) {
	s, err := export.ReadFile(path)
	if err != nil {
		return export.Counts{}, err
	}
	counts, err := db.Restore(s)
	if err != nil {
		return counts, err
	}
	db.log.Info("imported snapshot", zap.String("path", path), zap.String("counts", counts.String()))
	return counts, nil
}
