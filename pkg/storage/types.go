// Package storage provides the persistent store for EngramAI Lite.
//
// The store is a column-family layout over an embedded KV engine. Eight
// families hold the canonical records: engrams, connections, collections,
// agents, contexts, metadata, relationships, embeddings. Keys within a family
// are "<type>:<id>" and values are UTF-8 JSON in the canonical record shape.
//
// The relationships family holds denormalized index rows so that sorted
// iteration yields useful scans:
//
//	out:<source_id>:<connection_id>  -> connection_id
//	in:<target_id>:<connection_id>   -> connection_id
//	type:<rel_type>:<connection_id>  -> connection_id
//
// These rows are written and deleted in the same atomic batch as the
// connection record they index.
//
// Design Principles:
//   - The store exclusively owns canonical records; in-memory structures
//     (graph, secondary indexes, ANN) are derived caches rebuilt on open
//   - Every mutation commits fully or leaves no trace (single-transaction
//     batches)
//   - Thread-safe implementations
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: "./engram_db"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	e := storage.NewEngram("The sky is blue", "observation", 0.9)
//	if err := engine.PutEngram(e); err != nil {
//		log.Fatal(err)
//	}
//
//	got, err := engine.GetEngram(e.ID)
package storage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Common errors. The CLI maps these to exit codes; everything else is a
// generic failure.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrInvalidData        = errors.New("invalid data")
	ErrStorageClosed      = errors.New("storage closed")
)

// Family identifies one of the eight column families.
type Family string

const (
	FamilyEngrams       Family = "engrams"
	FamilyConnections   Family = "connections"
	FamilyCollections   Family = "collections"
	FamilyAgents        Family = "agents"
	FamilyContexts      Family = "contexts"
	FamilyMetadata      Family = "metadata"
	FamilyRelationships Family = "relationships"
	FamilyEmbeddings    Family = "embeddings"
)

// Families lists every column family in scan order. Engrams come first so
// referential checks during a full load can resolve against already-loaded
// records.
var Families = []Family{
	FamilyEngrams,
	FamilyConnections,
	FamilyCollections,
	FamilyAgents,
	FamilyContexts,
	FamilyMetadata,
	FamilyRelationships,
	FamilyEmbeddings,
}

// Metadata is a mapping from string keys to arbitrary JSON values. Ordering
// is not semantically significant.
type Metadata map[string]any

// Now returns the canonical timestamp for new records: UTC truncated to
// microsecond resolution.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewID returns a fresh version-4 UUID as a lowercase hyphenated string.
func NewID() string {
	return uuid.NewString()
}

// ============================================================================
// Records
// ============================================================================

// Engram is a stored unit of knowledge: a content string plus confidence,
// source, timestamps, importance, access statistics, TTL and metadata.
//
// Confidence and Importance are clamped to [0,1] in every stored record.
// LastAccessed starts equal to Timestamp and moves forward on reads.
// A nil TTLSeconds means the engram never expires.
//
// Example:
//
//	e := storage.NewEngram("Rain forms when water vapor condenses", "science", 0.95)
//	e.Metadata["topic"] = "weather"
//	err := engine.PutEngram(e)
type Engram struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Source       string    `json:"source"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
	Importance   float64   `json:"importance"`
	AccessCount  uint64    `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	TTLSeconds   *uint64   `json:"ttl_seconds,omitempty"`
	Metadata     Metadata  `json:"metadata"`
}

// NewEngram creates an engram with a fresh id and canonical timestamps.
// Confidence is clamped to [0,1]; importance defaults to 0.5.
func NewEngram(content, source string, confidence float64) *Engram {
	now := Now()
	return &Engram{
		ID:           NewID(),
		Content:      content,
		Source:       source,
		Confidence:   Clamp01(confidence),
		Timestamp:    now,
		Importance:   0.5,
		AccessCount:  0,
		LastAccessed: now,
		Metadata:     Metadata{},
	}
}

// Validate checks the record for structural errors. It returns an error
// wrapping ErrInvalidInput so callers can classify with errors.Is.
func (e *Engram) Validate() error {
	if err := validateID("engram id", e.ID); err != nil {
		return err
	}
	if e.Content == "" {
		return fmt.Errorf("%w: engram content must not be empty", ErrInvalidInput)
	}
	if err := validateUnit("confidence", e.Confidence); err != nil {
		return err
	}
	if err := validateUnit("importance", e.Importance); err != nil {
		return err
	}
	return nil
}

// IsExpired reports whether the engram's TTL window has elapsed at the given
// instant. Engrams without a TTL never expire.
func (e *Engram) IsExpired(now time.Time) bool {
	if e.TTLSeconds == nil {
		return false
	}
	deadline := e.LastAccessed.Add(time.Duration(*e.TTLSeconds) * time.Second)
	return !now.Before(deadline)
}

// RecordAccess bumps the access counter and moves last_accessed to now.
func (e *Engram) RecordAccess(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// Connection is a typed, weighted directed edge between two engrams.
// Self-loops are allowed; multiple connections with distinct ids between the
// same endpoints are permitted.
//
// Example:
//
//	c := storage.NewConnection(a.ID, b.ID, "causes", 0.8)
//	err := engine.PutConnection(c)
type Connection struct {
	ID               string    `json:"id"`
	SourceID         string    `json:"source_id"`
	TargetID         string    `json:"target_id"`
	RelationshipType string    `json:"relationship_type"`
	Weight           float64   `json:"weight"`
	Timestamp        time.Time `json:"timestamp"`
	Metadata         Metadata  `json:"metadata"`
}

// NewConnection creates a connection with a fresh id. Weight is clamped
// to [0,1].
func NewConnection(sourceID, targetID, relationshipType string, weight float64) *Connection {
	return &Connection{
		ID:               NewID(),
		SourceID:         sourceID,
		TargetID:         targetID,
		RelationshipType: relationshipType,
		Weight:           Clamp01(weight),
		Timestamp:        Now(),
		Metadata:         Metadata{},
	}
}

// Validate checks the record for structural errors.
func (c *Connection) Validate() error {
	if err := validateID("connection id", c.ID); err != nil {
		return err
	}
	if err := validateID("source_id", c.SourceID); err != nil {
		return err
	}
	if err := validateID("target_id", c.TargetID); err != nil {
		return err
	}
	if c.RelationshipType == "" {
		return fmt.Errorf("%w: relationship_type must not be empty", ErrInvalidInput)
	}
	return validateUnit("weight", c.Weight)
}

// Collection is a named set of engrams. Membership is kept sorted and
// deduplicated so the canonical serialization is stable.
type Collection struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EngramIDs   []string `json:"engram_ids"`
	Metadata    Metadata `json:"metadata"`
}

// NewCollection creates an empty collection with a fresh id.
func NewCollection(name, description string) *Collection {
	return &Collection{
		ID:          NewID(),
		Name:        name,
		Description: description,
		EngramIDs:   []string{},
		Metadata:    Metadata{},
	}
}

// Validate checks the record for structural errors.
func (c *Collection) Validate() error {
	if err := validateID("collection id", c.ID); err != nil {
		return err
	}
	if c.Name == "" {
		return fmt.Errorf("%w: collection name must not be empty", ErrInvalidInput)
	}
	return nil
}

// AddEngram inserts an engram id into the membership set. Returns false if
// it was already present.
func (c *Collection) AddEngram(id string) bool {
	var ok bool
	c.EngramIDs, ok = setInsert(c.EngramIDs, id)
	return ok
}

// RemoveEngram removes an engram id from the membership set. Returns false
// if it was not present.
func (c *Collection) RemoveEngram(id string) bool {
	var ok bool
	c.EngramIDs, ok = setRemove(c.EngramIDs, id)
	return ok
}

// Contains reports membership.
func (c *Collection) Contains(id string) bool {
	return setContains(c.EngramIDs, id)
}

// Agent is a named actor with capabilities and a set of accessible
// collections. Access control is advisory only; nothing in the core
// enforces it.
type Agent struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	Capabilities          []string `json:"capabilities"`
	AccessibleCollections []string `json:"accessible_collections"`
	Metadata              Metadata `json:"metadata"`
}

// NewAgent creates an agent with a fresh id and no capabilities or access.
func NewAgent(name, description string) *Agent {
	return &Agent{
		ID:                    NewID(),
		Name:                  name,
		Description:           description,
		Capabilities:          []string{},
		AccessibleCollections: []string{},
		Metadata:              Metadata{},
	}
}

// Validate checks the record for structural errors.
func (a *Agent) Validate() error {
	if err := validateID("agent id", a.ID); err != nil {
		return err
	}
	if a.Name == "" {
		return fmt.Errorf("%w: agent name must not be empty", ErrInvalidInput)
	}
	return nil
}

// AddCapability inserts a capability string. Returns false if already present.
func (a *Agent) AddCapability(capability string) bool {
	var ok bool
	a.Capabilities, ok = setInsert(a.Capabilities, capability)
	return ok
}

// GrantAccess inserts a collection id into the accessible set. Returns false
// if already present.
func (a *Agent) GrantAccess(collectionID string) bool {
	var ok bool
	a.AccessibleCollections, ok = setInsert(a.AccessibleCollections, collectionID)
	return ok
}

// RevokeAccess removes a collection id from the accessible set.
func (a *Agent) RevokeAccess(collectionID string) bool {
	var ok bool
	a.AccessibleCollections, ok = setRemove(a.AccessibleCollections, collectionID)
	return ok
}

// HasAccess reports whether the agent has been granted the collection.
func (a *Agent) HasAccess(collectionID string) bool {
	return setContains(a.AccessibleCollections, collectionID)
}

// Context is a named set of engrams and agents, used by callers to scope
// collaboration.
type Context struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EngramIDs   []string `json:"engram_ids"`
	AgentIDs    []string `json:"agent_ids"`
	Metadata    Metadata `json:"metadata"`
}

// NewContext creates an empty context with a fresh id.
func NewContext(name, description string) *Context {
	return &Context{
		ID:          NewID(),
		Name:        name,
		Description: description,
		EngramIDs:   []string{},
		AgentIDs:    []string{},
		Metadata:    Metadata{},
	}
}

// Validate checks the record for structural errors.
func (c *Context) Validate() error {
	if err := validateID("context id", c.ID); err != nil {
		return err
	}
	if c.Name == "" {
		return fmt.Errorf("%w: context name must not be empty", ErrInvalidInput)
	}
	return nil
}

// AddEngram inserts an engram id into the context.
func (c *Context) AddEngram(id string) bool {
	var ok bool
	c.EngramIDs, ok = setInsert(c.EngramIDs, id)
	return ok
}

// RemoveEngram removes an engram id from the context.
func (c *Context) RemoveEngram(id string) bool {
	var ok bool
	c.EngramIDs, ok = setRemove(c.EngramIDs, id)
	return ok
}

// AddAgent inserts an agent id into the context.
func (c *Context) AddAgent(id string) bool {
	var ok bool
	c.AgentIDs, ok = setInsert(c.AgentIDs, id)
	return ok
}

// RemoveAgent removes an agent id from the context.
func (c *Context) RemoveAgent(id string) bool {
	var ok bool
	c.AgentIDs, ok = setRemove(c.AgentIDs, id)
	return ok
}

// EmbeddingRecord holds the persisted vector for an engram. The ANN graph
// itself is never persisted; it is rebuilt from these records on open.
type EmbeddingRecord struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
	Reduced   []float32 `json:"reduced,omitempty"`
	Model     string    `json:"model"`
	Dims      int       `json:"dims"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the record for structural errors.
func (r *EmbeddingRecord) Validate() error {
	if err := validateID("embedding id", r.ID); err != nil {
		return err
	}
	if len(r.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector must not be empty", ErrInvalidInput)
	}
	if r.Dims != len(r.Vector) {
		return fmt.Errorf("%w: dims %d does not match vector length %d", ErrInvalidInput, r.Dims, len(r.Vector))
	}
	return nil
}

/// IndexVector returns the vector the ANN index should hold: the reduced
// vector when present, otherwise the original.
func (r *EmbeddingRecord) IndexVector() []float32 {
	if len(r.Reduced) > 0 {
		return r.Reduced
	}
	return r.Vector
}

// ============================================================================
// Record keys
// ============================================================================

// EngramKey returns the record key within the engrams family.
func EngramKey(id string) string { return "engram:" + id }

// ConnectionKey returns the record key within the connections family.
func ConnectionKey(id string) string { return "connection:" + id }

// CollectionKey returns the record key within the collections family.
func CollectionKey(id string) string { return "collection:" + id }

// AgentKey returns the record key within the agents family.
func AgentKey(id string) string { return "agent:" + id }

// ContextKey returns the record key within the contexts family.
func ContextKey(id string) string { return "context:" + id }

// EmbeddingKey returns the record key within the embeddings family.
func EmbeddingKey(id string) string { return "embedding:" + id }

// OutEdgeKey returns the relationship-index row key for an outgoing scan.
func OutEdgeKey(sourceID, connectionID string) string {
	return "out:" + sourceID + ":" + connectionID
}

// InEdgeKey returns the relationship-index row key for an incoming scan.
func InEdgeKey(targetID, connectionID string) string {
	return "in:" + targetID + ":" + connectionID
}

// TypeEdgeKey returns the relationship-index row key for a by-type scan.
func TypeEdgeKey(relationshipType, connectionID string) string {
	return "type:" + relationshipType + ":" + connectionID
}

// ============================================================================
// Engine interface
// ============================================================================

// FamilyStats holds per-family counters from Engine.Stats.
type FamilyStats struct {
	Family    Family `json:"family"`
	Count     int64  `json:"count"`
	SizeBytes int64  `json:"size_bytes"`
}

// StoreStats aggregates family counters and engine-level sizes.
type StoreStats struct {
	Families []FamilyStats `json:"families"`
	LSMBytes int64         `json:"lsm_bytes"`
	VLogBytes int64         `json:"vlog_bytes"`
}

// Count returns the record count for one family, 0 if absent.
func (s *StoreStats) Count(f Family) int64 {
	for _, fs := range s.Families {
		if fs.Family == f {
			return fs.Count
		}
	}
	return 0
}

// Engine is the persistent store contract. Implementations MUST be safe for
// concurrent use and MUST make every single-record mutation atomic. Batches
// obtained from NewBatch commit atomically across families.
//
// PutConnection and DeleteConnection maintain the relationship-index rows in
// the same atomic write as the connection record.
type Engine interface {
	// Engrams
	PutEngram(e *Engram) error
	GetEngram(id string) (*Engram, error)
	DeleteEngram(id string) error
	ListEngramIDs() ([]string, error)

	// Connections
	PutConnection(c *Connection) error
	GetConnection(id string) (*Connection, error)
	DeleteConnection(c *Connection) error
	ListConnectionIDs() ([]string, error)

	// Collections
	PutCollection(c *Collection) error
	GetCollection(id string) (*Collection, error)
	DeleteCollection(id string) error
	ListCollectionIDs() ([]string, error)

	// Agents
	PutAgent(a *Agent) error
	GetAgent(id string) (*Agent, error)
	DeleteAgent(id string) error
	ListAgentIDs() ([]string, error)

	// Contexts
	PutContext(c *Context) error
	GetContext(id string) (*Context, error)
	DeleteContext(id string) error
	ListContextIDs() ([]string, error)

	// Embeddings
	PutEmbedding(r *EmbeddingRecord) error
	GetEmbedding(id string) (*EmbeddingRecord, error)
	DeleteEmbedding(id string) error

	// Relationship-index scans
	OutgoingConnectionIDs(engramID string) ([]string, error)
	IncomingConnectionIDs(engramID string) ([]string, error)
	ConnectionIDsByType(relationshipType string) ([]string, error)

	// Store-level metadata (format version and similar)
	PutMeta(key, value string) error
	GetMeta(key string) (string, error)

	// Batch returns a write handle accumulating puts/deletes across families;
	// Commit applies them atomically, Discard drops them.
	NewBatch() Batch

	// Maintenance
	Compact() error
	Stats() (*StoreStats, error)
	Sync() error
	Close() error
}

// Batch accumulates mutations across families and commits them atomically.
// Serialization happens at staging time so Commit only fails on backend
// errors. A Batch is single-use: after Commit or Discard it must not be
// reused.
type Batch interface {
	PutEngram(e *Engram) error
	DeleteEngram(id string)

	// PutConnection stages the record and its three relationship-index rows.
	// DeleteConnection needs the full record to locate those rows.
	PutConnection(c *Connection) error
	DeleteConnection(c *Connection)

	PutCollection(c *Collection) error
	DeleteCollection(id string)

	PutAgent(a *Agent) error
	DeleteAgent(id string)

	PutContext(c *Context) error
	DeleteContext(id string)

	PutEmbedding(r *EmbeddingRecord) error
	DeleteEmbedding(id string)

	// Len reports the number of staged operations.
	Len() int

	Commit() error
	Discard()
}

// ============================================================================
// Helpers
// ============================================================================

// Clamp01 clamps v to [0,1]. NaN clamps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validateUnit(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidInput, field, v)
	}
	return nil
}

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidInput, field)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s %q is not a valid UUID", ErrInvalidInput, field, id)
	}
	return nil
}

// setInsert inserts v into a sorted, deduplicated string slice.
func setInsert(s []string, v string) ([]string, bool) {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return s, false
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s, true
}

// setRemove removes v from a sorted string slice.
func setRemove(s []string, v string) ([]string, bool) {
	i := sort.SearchStrings(s, v)
	if i >= len(s) || s[i] != v {
		return s, false
	}
	return append(s[:i], s[i+1:]...), true
}

func setContains(s []string, v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}
