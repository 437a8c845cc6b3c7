// Package storage - BadgerDB engine.
//
// BadgerDB has no native column families, so each family becomes a one-byte
// key prefix followed by a 0x00 separator and the record key. Prefix
// iteration over "<prefix>0x00<type>:" recovers per-family scans, and the
// relationship rows keep their sorted-scan property because the record key
// is carried verbatim.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// One byte per family, stable across releases. The separator keeps a short
// family prefix from matching the front of a longer record key.
const (
	prefixEngrams       byte = 'e'
	prefixConnections   byte = 'c'
	prefixCollections   byte = 'l'
	prefixAgents        byte = 'a'
	prefixContexts      byte = 'x'
	prefixMetadata      byte = 'm'
	prefixRelationships byte = 'r'
	prefixEmbeddings    byte = 'v'

	keySeparator byte = 0x00
)

func familyPrefix(f Family) byte {
	switch f {
	case FamilyEngrams:
		return prefixEngrams
	case FamilyConnections:
		return prefixConnections
	case FamilyCollections:
		return prefixCollections
	case FamilyAgents:
		return prefixAgents
	case FamilyContexts:
		return prefixContexts
	case FamilyMetadata:
		return prefixMetadata
	case FamilyRelationships:
		return prefixRelationships
	case FamilyEmbeddings:
		return prefixEmbeddings
	}
	panic(fmt.Sprintf("unknown family %q", f))
}

// familyKey builds the physical key for a record key within a family.
func familyKey(f Family, key string) []byte {
	out := make([]byte, 0, 2+len(key))
	out = append(out, familyPrefix(f), keySeparator)
	return append(out, key...)
}

// familyScanPrefix builds the iteration prefix for a partial record key.
func familyScanPrefix(f Family, partial string) []byte {
	return familyKey(f, partial)
}

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	// DataDir is the directory for data storage. Ignored when InMemory.
	DataDir string
	// InMemory keeps everything in RAM; data is lost on Close. For tests.
	InMemory bool
	// SyncWrites forces fsync after each commit. Slower but safest.
	SyncWrites bool
	// Logger receives BadgerDB's internal logging. Nil silences it.
	Logger badger.Logger
}

// BadgerEngine is the persistent Engine over BadgerDB.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine(storage.BadgerOptions{
//		DataDir: "./engram_db",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

var _ Engine = (*BadgerEngine)(nil)

// NewBadgerEngine opens (or creates) a store at opts.DataDir.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Sized for an embedded store, not a server
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory engine for testing. Data is
// lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngine(BadgerOptions{InMemory: true})
}

func (b *BadgerEngine) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// JSON record helpers
// ============================================================================

func marshalRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return data, nil
}

func (b *BadgerEngine) putJSON(f Family, key string, v any) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(familyKey(f, key), data)
	})
}

// putRaw writes an unvalidated value. Used by tests to simulate corruption.
func (b *BadgerEngine) putRaw(f Family, key string, value []byte) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(familyKey(f, key), value)
	})
}

func (b *BadgerEngine) getJSON(f Family, key string, out any) error {
	if err := b.guard(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(familyKey(f, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidData, err)
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s %q: %w", f, key, ErrNotFound)
	}
	return err
}

func (b *BadgerEngine) deleteKey(f Family, key string) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(familyKey(f, key))
	})
}

// listIDs scans a family for keys of the form "<typePrefix><id>" and returns
// the ids.
func (b *BadgerEngine) listIDs(f Family, typePrefix string) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	var ids []string
	scan := familyScanPrefix(f, typePrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: false,
			Prefix:         scan,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(scan):]))
		}
		return nil
	})
	return ids, err
}

// scanValues scans a family prefix and returns every value as a string.
func (b *BadgerEngine) scanValues(f Family, partial string) ([]string, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	var out []string
	scan := familyScanPrefix(f, partial)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         scan,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				out = append(out, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// ============================================================================
// Engrams
// ============================================================================

// PutEngram inserts or replaces an engram record.
func (b *BadgerEngine) PutEngram(e *Engram) error {
	return b.putJSON(FamilyEngrams, EngramKey(e.ID), e)
}

// GetEngram returns the engram or ErrNotFound.
func (b *BadgerEngine) GetEngram(id string) (*Engram, error) {
	var e Engram
	if err := b.getJSON(FamilyEngrams, EngramKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEngram removes the engram record only. Cascades are the caller's
// responsibility and run through a Batch.
func (b *BadgerEngine) DeleteEngram(id string) error {
	return b.deleteKey(FamilyEngrams, EngramKey(id))
}

// ListEngramIDs returns every engram id in key order.
func (b *BadgerEngine) ListEngramIDs() ([]string, error) {
	return b.listIDs(FamilyEngrams, "engram:")
}

// ============================================================================
// Connections
// ============================================================================

// PutConnection writes the connection record and its three relationship-index
// rows in one atomic transaction.
func (b *BadgerEngine) PutConnection(c *Connection) error {
	if err := b.guard(); err != nil {
		return err
	}
	data, err := marshalRecord(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(familyKey(FamilyConnections, ConnectionKey(c.ID)), data); err != nil {
			return err
		}
		for _, row := range relationshipRows(c) {
			if err := txn.Set(familyKey(FamilyRelationships, row), []byte(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConnection returns the connection or ErrNotFound.
func (b *BadgerEngine) GetConnection(id string) (*Connection, error) {
	var c Connection
	if err := b.getJSON(FamilyConnections, ConnectionKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConnection removes the record and its relationship-index rows in one
// atomic transaction. The full record is required to locate the rows.
func (b *BadgerEngine) DeleteConnection(c *Connection) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(familyKey(FamilyConnections, ConnectionKey(c.ID))); err != nil {
			return err
		}
		for _, row := range relationshipRows(c) {
			if err := txn.Delete(familyKey(FamilyRelationships, row)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListConnectionIDs returns every connection id in key order.
func (b *BadgerEngine) ListConnectionIDs() ([]string, error) {
	return b.listIDs(FamilyConnections, "connection:")
}

func relationshipRows(c *Connection) []string {
	return []string{
		OutEdgeKey(c.SourceID, c.ID),
		InEdgeKey(c.TargetID, c.ID),
		TypeEdgeKey(c.RelationshipType, c.ID),
	}
}

// OutgoingConnectionIDs scans out:<engramID>: rows.
func (b *BadgerEngine) OutgoingConnectionIDs(engramID string) ([]string, error) {
	return b.scanValues(FamilyRelationships, "out:"+engramID+":")
}

// IncomingConnectionIDs scans in:<engramID>: rows.
func (b *BadgerEngine) IncomingConnectionIDs(engramID string) ([]string, error) {
	return b.scanValues(FamilyRelationships, "in:"+engramID+":")
}

// ConnectionIDsByType scans type:<relationshipType>: rows.
func (b *BadgerEngine) ConnectionIDsByType(relationshipType string) ([]string, error) {
	return b.scanValues(FamilyRelationships, "type:"+relationshipType+":")
}

// ============================================================================
// Collections, agents, contexts
// ============================================================================

// PutCollection inserts or replaces a collection record.
func (b *BadgerEngine) PutCollection(c *Collection) error {
	return b.putJSON(FamilyCollections, CollectionKey(c.ID), c)
}

// GetCollection returns the collection or ErrNotFound.
func (b *BadgerEngine) GetCollection(id string) (*Collection, error) {
	var c Collection
	if err := b.getJSON(FamilyCollections, CollectionKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCollection removes the collection record.
func (b *BadgerEngine) DeleteCollection(id string) error {
	return b.deleteKey(FamilyCollections, CollectionKey(id))
}

// ListCollectionIDs returns every collection id in key order.
func (b *BadgerEngine) ListCollectionIDs() ([]string, error) {
	return b.listIDs(FamilyCollections, "collection:")
}

// PutAgent inserts or replaces an agent record.
func (b *BadgerEngine) PutAgent(a *Agent) error {
	return b.putJSON(FamilyAgents, AgentKey(a.ID), a)
}

// GetAgent returns the agent or ErrNotFound.
func (b *BadgerEngine) GetAgent(id string) (*Agent, error) {
	var a Agent
	if err := b.getJSON(FamilyAgents, AgentKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAgent removes the agent record.
func (b *BadgerEngine) DeleteAgent(id string) error {
	return b.deleteKey(FamilyAgents, AgentKey(id))
}

// ListAgentIDs returns every agent id in key order.
func (b *BadgerEngine) ListAgentIDs() ([]string, error) {
	return b.listIDs(FamilyAgents, "agent:")
}

// PutContext inserts or replaces a context record.
func (b *BadgerEngine) PutContext(c *Context) error {
	return b.putJSON(FamilyContexts, ContextKey(c.ID), c)
}

// GetContext returns the context or ErrNotFound.
func (b *BadgerEngine) GetContext(id string) (*Context, error) {
	var c Context
	if err := b.getJSON(FamilyContexts, ContextKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContext removes the context record.
func (b *BadgerEngine) DeleteContext(id string) error {
	return b.deleteKey(FamilyContexts, ContextKey(id))
}

// ListContextIDs returns every context id in key order.
func (b *BadgerEngine) ListContextIDs() ([]string, error) {
	return b.listIDs(FamilyContexts, "context:")
}

// ============================================================================
// Embeddings and metadata
// ============================================================================

// PutEmbedding inserts or replaces an embedding record.
func (b *BadgerEngine) PutEmbedding(r *EmbeddingRecord) error {
	return b.putJSON(FamilyEmbeddings, EmbeddingKey(r.ID), r)
}

// GetEmbedding returns the embedding record or ErrNotFound.
func (b *BadgerEngine) GetEmbedding(id string) (*EmbeddingRecord, error) {
	var r EmbeddingRecord
	if err := b.getJSON(FamilyEmbeddings, EmbeddingKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteEmbedding removes the embedding record.
func (b *BadgerEngine) DeleteEmbedding(id string) error {
	return b.deleteKey(FamilyEmbeddings, EmbeddingKey(id))
}

// PutMeta stores a store-level metadata value.
func (b *BadgerEngine) PutMeta(key, value string) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(familyKey(FamilyMetadata, "metadata:"+key), []byte(value))
	})
}

// GetMeta returns a store-level metadata value or ErrNotFound.
func (b *BadgerEngine) GetMeta(key string) (string, error) {
	if err := b.guard(); err != nil {
		return "", err
	}
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(familyKey(FamilyMetadata, "metadata:"+key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("metadata %q: %w", key, ErrNotFound)
	}
	return value, err
}

// ============================================================================
// Maintenance
// ============================================================================

// Compact flattens the LSM tree and garbage-collects the value log.
// Best-effort: a value log with nothing to rewrite is not an error.
func (b *BadgerEngine) Compact() error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.db.Flatten(2); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log gc: %w", err)
	}
	return nil
}

// Stats counts records per family and reports approximate sizes.
func (b *BadgerEngine) Stats() (*StoreStats, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	stats := &StoreStats{}
	err := b.db.View(func(txn *badger.Txn) error {
		for _, f := range Families {
			fs := FamilyStats{Family: f}
			prefix := []byte{familyPrefix(f), keySeparator}
			it := txn.NewIterator(badger.IteratorOptions{
				PrefetchValues: false,
				Prefix:         prefix,
			})
			for it.Rewind(); it.Valid(); it.Next() {
				fs.Count++
				fs.SizeBytes += it.Item().EstimatedSize()
			}
			it.Close()
			stats.Families = append(stats.Families, fs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.LSMBytes, stats.VLogBytes = b.db.Size()
	return stats, nil
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.db.Sync()
}

// Close closes the underlying database. Idempotent.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// ============================================================================
// Batch
// ============================================================================

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// badgerBatch accumulates staged operations and commits them in a single
// transaction so multi-family mutations are all-or-nothing.
type badgerBatch struct {
	engine *BadgerEngine
	ops    []batchOp
	done   bool
}

var _ Batch = (*badgerBatch)(nil)

// NewBatch returns a write handle. Commit applies every staged operation
// atomically; Discard drops them.
func (b *BadgerEngine) NewBatch() Batch {
	return &badgerBatch{engine: b}
}

func (bt *badgerBatch) set(f Family, key string, value []byte) {
	bt.ops = append(bt.ops, batchOp{key: familyKey(f, key), value: value})
}

func (bt *badgerBatch) del(f Family, key string) {
	bt.ops = append(bt.ops, batchOp{key: familyKey(f, key), delete: true})
}

func (bt *badgerBatch) stageJSON(f Family, key string, v any) error {
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}
	bt.set(f, key, data)
	return nil
}

func (bt *badgerBatch) PutEngram(e *Engram) error {
	return bt.stageJSON(FamilyEngrams, EngramKey(e.ID), e)
}

func (bt *badgerBatch) DeleteEngram(id string) {
	bt.del(FamilyEngrams, EngramKey(id))
}

func (bt *badgerBatch) PutConnection(c *Connection) error {
	if err := bt.stageJSON(FamilyConnections, ConnectionKey(c.ID), c); err != nil {
		return err
	}
	for _, row := range relationshipRows(c) {
		bt.set(FamilyRelationships, row, []byte(c.ID))
	}
	return nil
}

func (bt *badgerBatch) DeleteConnection(c *Connection) {
	bt.del(FamilyConnections, ConnectionKey(c.ID))
	for _, row := range relationshipRows(c) {
		bt.del(FamilyRelationships, row)
	}
}

func (bt *badgerBatch) PutCollection(c *Collection) error {
	return bt.stageJSON(FamilyCollections, CollectionKey(c.ID), c)
}

func (bt *badgerBatch) DeleteCollection(id string) {
	bt.del(FamilyCollections, CollectionKey(id))
}

func (bt *badgerBatch) PutAgent(a *Agent) error {
	return bt.stageJSON(FamilyAgents, AgentKey(a.ID), a)
}

func (bt *badgerBatch) DeleteAgent(id string) {
	bt.del(FamilyAgents, AgentKey(id))
}

func (bt *badgerBatch) PutContext(c *Context) error {
	return bt.stageJSON(FamilyContexts, ContextKey(c.ID), c)
}

func (bt *badgerBatch) DeleteContext(id string) {
	bt.del(FamilyContexts, ContextKey(id))
}

func (bt *badgerBatch) PutEmbedding(r *EmbeddingRecord) error {
	return bt.stageJSON(FamilyEmbeddings, EmbeddingKey(r.ID), r)
}

func (bt *badgerBatch) DeleteEmbedding(id string) {
	bt.del(FamilyEmbeddings, EmbeddingKey(id))
}

func (bt *badgerBatch) Len() int { return len(bt.ops) }

// Commit applies all staged operations in one transaction. Later stages of
// the same key win, matching insert-or-replace semantics.
func (bt *badgerBatch) Commit() error {
	if bt.done {
		return fmt.Errorf("%w: batch already finished", ErrInvalidInput)
	}
	bt.done = true
	if err := bt.engine.guard(); err != nil {
		return err
	}
	if len(bt.ops) == 0 {
		return nil
	}
	return bt.engine.db.Update(func(txn *badger.Txn) error {
		for _, op := range bt.ops {
			if op.delete {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Discard drops all staged operations.
func (bt *badgerBatch) Discard() {
	bt.done = true
	bt.ops = nil
}
