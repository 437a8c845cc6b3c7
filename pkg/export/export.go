// Package export implements JSON snapshot export and import.
//
// A snapshot is a single JSON document holding every entity type as an
// array plus an integer format version. Export walks the persistent store
// directly and produces id-sorted arrays, so exporting the same state twice
// yields the same document. Import stages the whole snapshot into one batch
// and commits it atomically: a snapshot lands completely or not at all, and
// records whose id already exists are replaced.
//
// Example:
//
//	x := export.New(store, logger)
//	snap, err := x.Export()
//	if err == nil {
//		err = export.WriteFile("backup.json", snap)
//	}
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/storage"
)

// Version is the snapshot format version this package reads and writes.
const Version = 1

// Snapshot is the serialized form of a store: five entity arrays plus the
// format version. Arrays are never nil so an empty store serializes as
// empty lists rather than nulls.
type Snapshot struct {
	Version     int                   `json:"version"`
	Engrams     []*storage.Engram     `json:"engrams"`
	Connections []*storage.Connection `json:"connections"`
	Collections []*storage.Collection `json:"collections"`
	Agents      []*storage.Agent      `json:"agents"`
	Contexts    []*storage.Context    `json:"contexts"`
}

// NewSnapshot returns an empty snapshot at the current format version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:     Version,
		Engrams:     []*storage.Engram{},
		Connections: []*storage.Connection{},
		Collections: []*storage.Collection{},
		Agents:      []*storage.Agent{},
		Contexts:    []*storage.Context{},
	}
}

// Counts reports how many records of each type an import wrote.
type Counts struct {
	Engrams     int `json:"engrams"`
	Connections int `json:"connections"`
	Collections int `json:"collections"`
	Agents      int `json:"agents"`
	Contexts    int `json:"contexts"`
}

// String renders the counts for logs and CLI output.
func (c Counts) String() string {
	return fmt.Sprintf("%d engrams, %d connections, %d collections, %d agents, %d contexts",
		c.Engrams, c.Connections, c.Collections, c.Agents, c.Contexts)
}

// Exporter reads and writes snapshots against a storage engine. It holds no
// locks of its own; callers that share the engine with live writers should
// serialize exports and imports around their own synchronization.
type Exporter struct {
	store storage.Engine
	log   *zap.Logger
}

// New creates an exporter. A nil logger disables logging.
func New(store storage.Engine, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, log: logger}
}

// Export dumps every record in the store. Records that vanish between the
// id listing and the point lookup are skipped with a warning.
func (x *Exporter) Export() (*Snapshot, error) {
	s := NewSnapshot()
	var err error
	if s.Engrams, err = collectAll(x.log, "engram", x.store.ListEngramIDs, x.store.GetEngram); err != nil {
		return nil, err
	}
	if s.Connections, err = collectAll(x.log, "connection", x.store.ListConnectionIDs, x.store.GetConnection); err != nil {
		return nil, err
	}
	if s.Collections, err = collectAll(x.log, "collection", x.store.ListCollectionIDs, x.store.GetCollection); err != nil {
		return nil, err
	}
	if s.Agents, err = collectAll(x.log, "agent", x.store.ListAgentIDs, x.store.GetAgent); err != nil {
		return nil, err
	}
	if s.Contexts, err = collectAll(x.log, "context", x.store.ListContextIDs, x.store.GetContext); err != nil {
		return nil, err
	}
	return s, nil
}

// collectAll loads one full entity family in id order.
func collectAll[T any](log *zap.Logger, kind string, list func() ([]string, error), get func(string) (*T, error)) ([]*T, error) {
	ids, err := list()
	if err != nil {
		return nil, fmt.Errorf("list %ss: %w", kind, err)
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		rec, err := get(id)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("record vanished during export, skipping",
				zap.String("kind", kind), zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s %q: %w", kind, id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExportCollection dumps a single collection: the collection record, its
// member engrams, and the connections whose endpoints are both members.
// Agents and contexts do not travel with a collection. Returns
// storage.ErrNotFound if the collection does not exist.
func (x *Exporter) ExportCollection(collectionID string) (*Snapshot, error) {
	col, err := x.store.GetCollection(collectionID)
	if err != nil {
		return nil, err
	}

	s := NewSnapshot()
	s.Collections = append(s.Collections, col)

	// Membership is stored sorted and deduplicated, but snapshots imported
	// from elsewhere may predate that guarantee.
	members := append([]string(nil), col.EngramIDs...)
	sort.Strings(members)

	exported := make(map[string]struct{}, len(members))
	for i, id := range members {
		if i > 0 && members[i-1] == id {
			continue
		}
		e, err := x.store.GetEngram(id)
		if errors.Is(err, storage.ErrNotFound) {
			x.log.Warn("collection member missing, skipping",
				zap.String("collection", collectionID), zap.String("engram", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load engram %q: %w", id, err)
		}
		s.Engrams = append(s.Engrams, e)
		exported[id] = struct{}{}
	}

	// Every connection internal to the collection has a member source, so
	// outgoing scans over the members find all of them.
	var connIDs []string
	for _, e := range s.Engrams {
		ids, err := x.store.OutgoingConnectionIDs(e.ID)
		if err != nil {
			return nil, fmt.Errorf("scan connections of %q: %w", e.ID, err)
		}
		connIDs = append(connIDs, ids...)
	}
	sort.Strings(connIDs)

	for i, id := range connIDs {
		if i > 0 && connIDs[i-1] == id {
			continue
		}
		c, err := x.store.GetConnection(id)
		if errors.Is(err, storage.ErrNotFound) {
			x.log.Warn("record vanished during export, skipping",
				zap.String("kind", "connection"), zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load connection %q: %w", id, err)
		}
		if _, ok := exported[c.SourceID]; !ok {
			continue
		}
		if _, ok := exported[c.TargetID]; !ok {
			continue
		}
		s.Connections = append(s.Connections, c)
	}
	return s, nil
}

// Import writes a snapshot into the store in a single atomic batch and
// reports how many records of each type were written.
//
// Existing records with the same id are replaced; a replaced connection has
// its old relationship-index rows cleared first so changed endpoints leave
// no stale rows behind. Connections whose endpoints exist neither in the
// snapshot nor in the store are dropped with a warning, and collection,
// agent, and context membership lists are pruned the same way.
func (x *Exporter) Import(s *Snapshot) (Counts, error) {
	if s == nil {
		return Counts{}, fmt.Errorf("%w: nil snapshot", storage.ErrInvalidInput)
	}
	if s.Version != Version {
		return Counts{}, fmt.Errorf("%w: unsupported snapshot version %d", storage.ErrInvalidData, s.Version)
	}
	if err := validateSnapshot(s); err != nil {
		return Counts{}, err
	}

	knownEngrams, err := knownIDs(engramIDs(s.Engrams), x.store.ListEngramIDs)
	if err != nil {
		return Counts{}, fmt.Errorf("list engrams: %w", err)
	}
	knownCollections, err := knownIDs(collectionIDs(s.Collections), x.store.ListCollectionIDs)
	if err != nil {
		return Counts{}, fmt.Errorf("list collections: %w", err)
	}
	knownAgents, err := knownIDs(agentIDs(s.Agents), x.store.ListAgentIDs)
	if err != nil {
		return Counts{}, fmt.Errorf("list agents: %w", err)
	}

	plan := importPlan{
		engrams:  s.Engrams,
		replaced: make(map[string]*storage.Connection),
	}

	for _, c := range s.Connections {
		if !has(knownEngrams, c.SourceID) || !has(knownEngrams, c.TargetID) {
			x.log.Warn("snapshot connection references missing engram, dropping",
				zap.String("id", c.ID),
				zap.String("source", c.SourceID),
				zap.String("target", c.TargetID))
			continue
		}
		old, err := x.store.GetConnection(c.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Counts{}, fmt.Errorf("load connection %q: %w", c.ID, err)
		}
		if err == nil {
			plan.replaced[c.ID] = old
		}
		plan.connections = append(plan.connections, c)
	}

	for _, c := range s.Collections {
		kept, dropped := filterKnown(c.EngramIDs, knownEngrams)
		if dropped > 0 {
			x.log.Warn("snapshot collection references missing engrams, pruning",
				zap.String("id", c.ID), zap.Int("dropped", dropped))
			cc := *c
			cc.EngramIDs = kept
			c = &cc
		}
		plan.collections = append(plan.collections, c)
	}

	for _, a := range s.Agents {
		kept, dropped := filterKnown(a.AccessibleCollections, knownCollections)
		if dropped > 0 {
			x.log.Warn("snapshot agent references missing collections, pruning",
				zap.String("id", a.ID), zap.Int("dropped", dropped))
			aa := *a
			aa.AccessibleCollections = kept
			a = &aa
		}
		plan.agents = append(plan.agents, a)
	}

	for _, c := range s.Contexts {
		keptEngrams, droppedEngrams := filterKnown(c.EngramIDs, knownEngrams)
		keptAgents, droppedAgents := filterKnown(c.AgentIDs, knownAgents)
		if droppedEngrams+droppedAgents > 0 {
			x.log.Warn("snapshot context references missing records, pruning",
				zap.String("id", c.ID), zap.Int("dropped", droppedEngrams+droppedAgents))
			cc := *c
			cc.EngramIDs = keptEngrams
			cc.AgentIDs = keptAgents
			c = &cc
		}
		plan.contexts = append(plan.contexts, c)
	}

	batch := x.store.NewBatch()
	counts, err := plan.stage(batch)
	if err != nil {
		batch.Discard()
		return Counts{}, err
	}
	if err := batch.Commit(); err != nil {
		return Counts{}, fmt.Errorf("commit snapshot: %w", err)
	}
	return counts, nil
}

// importPlan holds the pruned records an import will write. Replaced maps a
// connection id to the stored record it overwrites.
type importPlan struct {
	engrams     []*storage.Engram
	connections []*storage.Connection
	replaced    map[string]*storage.Connection
	collections []*storage.Collection
	agents      []*storage.Agent
	contexts    []*storage.Context
}

func (p *importPlan) stage(batch storage.Batch) (Counts, error) {
	var n Counts
	for _, e := range p.engrams {
		if err := batch.PutEngram(e); err != nil {
			return Counts{}, fmt.Errorf("stage engram %q: %w", e.ID, err)
		}
		n.Engrams++
	}
	for _, c := range p.connections {
		if old := p.replaced[c.ID]; old != nil {
			// The old record's endpoints may differ; clear its
			// relationship rows before the new ones are written.
			batch.DeleteConnection(old)
		}
		if err := batch.PutConnection(c); err != nil {
			return Counts{}, fmt.Errorf("stage connection %q: %w", c.ID, err)
		}
		n.Connections++
	}
	for _, c := range p.collections {
		if err := batch.PutCollection(c); err != nil {
			return Counts{}, fmt.Errorf("stage collection %q: %w", c.ID, err)
		}
		n.Collections++
	}
	for _, a := range p.agents {
		if err := batch.PutAgent(a); err != nil {
			return Counts{}, fmt.Errorf("stage agent %q: %w", a.ID, err)
		}
		n.Agents++
	}
	for _, c := range p.contexts {
		if err := batch.PutContext(c); err != nil {
			return Counts{}, fmt.Errorf("stage context %q: %w", c.ID, err)
		}
		n.Contexts++
	}
	return n, nil
}

// validateSnapshot rejects null entries, structurally invalid records, and
// duplicate ids within a type before anything is staged.
func validateSnapshot(s *Snapshot) error {
	seen := make(map[string]struct{}, len(s.Engrams))
	for i, e := range s.Engrams {
		if e == nil {
			return fmt.Errorf("%w: null engram at index %d", storage.ErrInvalidData, i)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("snapshot engram %q: %w", e.ID, err)
		}
		if has(seen, e.ID) {
			return fmt.Errorf("%w: duplicate engram id %q", storage.ErrInvalidData, e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(s.Connections))
	for i, c := range s.Connections {
		if c == nil {
			return fmt.Errorf("%w: null connection at index %d", storage.ErrInvalidData, i)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("snapshot connection %q: %w", c.ID, err)
		}
		if has(seen, c.ID) {
			return fmt.Errorf("%w: duplicate connection id %q", storage.ErrInvalidData, c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(s.Collections))
	for i, c := range s.Collections {
		if c == nil {
			return fmt.Errorf("%w: null collection at index %d", storage.ErrInvalidData, i)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("snapshot collection %q: %w", c.ID, err)
		}
		if has(seen, c.ID) {
			return fmt.Errorf("%w: duplicate collection id %q", storage.ErrInvalidData, c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(s.Agents))
	for i, a := range s.Agents {
		if a == nil {
			return fmt.Errorf("%w: null agent at index %d", storage.ErrInvalidData, i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("snapshot agent %q: %w", a.ID, err)
		}
		if has(seen, a.ID) {
			return fmt.Errorf("%w: duplicate agent id %q", storage.ErrInvalidData, a.ID)
		}
		seen[a.ID] = struct{}{}
	}

	seen = make(map[string]struct{}, len(s.Contexts))
	for i, c := range s.Contexts {
		if c == nil {
			return fmt.Errorf("%w: null context at index %d", storage.ErrInvalidData, i)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("snapshot context %q: %w", c.ID, err)
		}
		if has(seen, c.ID) {
			return fmt.Errorf("%w: duplicate context id %q", storage.ErrInvalidData, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// knownIDs builds the union of snapshot ids and ids already in the store.
func knownIDs(snapshot []string, list func() ([]string, error)) (map[string]struct{}, error) {
	stored, err := list()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(snapshot)+len(stored))
	for _, id := range snapshot {
		set[id] = struct{}{}
	}
	for _, id := range stored {
		set[id] = struct{}{}
	}
	return set, nil
}

// filterKnown restricts ids to the known set, preserving order. The second
// result is the number removed.
func filterKnown(ids []string, known map[string]struct{}) ([]string, int) {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if has(known, id) {
			kept = append(kept, id)
		}
	}
	return kept, len(ids) - len(kept)
}

func has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func engramIDs(recs []*storage.Engram) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func collectionIDs(recs []*storage.Collection) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func agentIDs(recs []*storage.Agent) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// WriteFile writes a snapshot to path as indented JSON.
func WriteFile(path string, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadFile loads a snapshot from a JSON file. Malformed JSON is reported as
// storage.ErrInvalidData.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidData, err)
	}
	return &s, nil
}
