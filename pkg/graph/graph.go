// Package graph maintains the in-memory knowledge graph for EngramAI Lite.
//
// The graph is a directed multigraph over gonum's graph/multi backend. Nodes
// represent the four entity kinds (engram, collection, agent, context) and
// edges the four link kinds (connection, contains, has_access, participates).
// Entity IDs map to node handles in constant time, and connection IDs map to
// their edge handles, so lookups never scan.
//
// The graph mirrors the persistent store: every mutation here is paired with
// a committed store mutation, and on startup the graph is rebuilt by scanning
// the store. The zero Graph is not usable; call New.
//
// Graph is not safe for concurrent use. The owning engine serializes access
// behind its own lock.
package graph

import (
	"fmt"

	ggraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"
)

// NodeKind identifies the entity variant a node represents.
type NodeKind string

const (
	KindEngram     NodeKind = "engram"
	KindCollection NodeKind = "collection"
	KindAgent      NodeKind = "agent"
	KindContext    NodeKind = "context"
)

// EdgeKind identifies the link variant an edge represents.
type EdgeKind string

const (
	// EdgeConnection is a typed, weighted engram-to-engram relationship.
	EdgeConnection EdgeKind = "connection"
	// EdgeContains links a collection or context to a member engram, or a
	// context to a member agent.
	EdgeContains EdgeKind = "contains"
	// EdgeHasAccess links an agent to a collection it may read.
	EdgeHasAccess EdgeKind = "has_access"
	// EdgeParticipates links an agent to a context it takes part in. Together
	// with the mirroring Contains edge it makes agent-context membership
	// traversable in both directions.
	EdgeParticipates EdgeKind = "participates"
)

// Direction selects which incident edges to consider.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// ErrNodeNotFound is returned when an edge references a node that has not
// been added to the graph.
var ErrNodeNotFound = fmt.Errorf("graph: node not found")

// Node is a graph node handle. RefID is the entity ID of the backing record.
type Node struct {
	id    int64
	Kind  NodeKind
	RefID string
}

// ID implements gonum's graph.Node.
func (n *Node) ID() int64 { return n.id }

// Edge is a graph line handle. ConnID is empty for structural edges
// (contains, has_access, participates) and holds the connection ID for
// connection edges.
type Edge struct {
	from, to ggraph.Node
	uid      int64

	Kind    EdgeKind
	ConnID  string
	RelType string
	Weight  float64
}

// From implements gonum's graph.Line.
func (e *Edge) From() ggraph.Node { return e.from }

// To implements gonum's graph.Line.
func (e *Edge) To() ggraph.Node { return e.to }

// ID implements gonum's graph.Line.
func (e *Edge) ID() int64 { return e.uid }

// ReversedLine implements gonum's graph.Line.
func (e *Edge) ReversedLine() ggraph.Line {
	r := *e
	r.from, r.to = e.to, e.from
	return &r
}

// EdgeInfo is the caller-facing view of an edge.
type EdgeInfo struct {
	Kind    EdgeKind
	ConnID  string
	RelType string
	Weight  float64
	FromID  string
	ToID    string
}

func (e *Edge) info() EdgeInfo {
	return EdgeInfo{
		Kind:    e.Kind,
		ConnID:  e.ConnID,
		RelType: e.RelType,
		Weight:  e.Weight,
		FromID:  e.from.(*Node).RefID,
		ToID:    e.to.(*Node).RefID,
	}
}

// Graph is the in-memory knowledge graph.
type Graph struct {
	g *multi.DirectedGraph

	engrams     map[string]*Node
	collections map[string]*Node
	agents      map[string]*Node
	contexts    map[string]*Node

	conns map[string]*Edge

	edgeCount int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		g:           multi.NewDirectedGraph(),
		engrams:     make(map[string]*Node),
		collections: make(map[string]*Node),
		agents:      make(map[string]*Node),
		contexts:    make(map[string]*Node),
		conns:       make(map[string]*Edge),
	}
}

func (m *Graph) kindMap(kind NodeKind) map[string]*Node {
	switch kind {
	case KindEngram:
		return m.engrams
	case KindCollection:
		return m.collections
	case KindAgent:
		return m.agents
	case KindContext:
		return m.contexts
	default:
		panic(fmt.Sprintf("graph: unknown node kind %q", kind))
	}
}

// node resolves an entity ID to its handle, whatever its kind.
func (m *Graph) node(id string) (*Node, bool) {
	if n, ok := m.engrams[id]; ok {
		return n, true
	}
	if n, ok := m.collections[id]; ok {
		return n, true
	}
	if n, ok := m.agents[id]; ok {
		return n, true
	}
	if n, ok := m.contexts[id]; ok {
		return n, true
	}
	return nil, false
}

// ============================================================================
// Node operations
// ============================================================================

// AddNode adds a node of the given kind. Adding an existing node is a no-op.
func (m *Graph) AddNode(kind NodeKind, id string) {
	byID := m.kindMap(kind)
	if _, ok := byID[id]; ok {
		return
	}
	n := &Node{id: m.g.NewNode().ID(), Kind: kind, RefID: id}
	m.g.AddNode(n)
	byID[id] = n
}

// AddEngram adds an engram node.
func (m *Graph) AddEngram(id string) { m.AddNode(KindEngram, id) }

// AddCollection adds a collection node.
func (m *Graph) AddCollection(id string) { m.AddNode(KindCollection, id) }

// AddAgent adds an agent node.
func (m *Graph) AddAgent(id string) { m.AddNode(KindAgent, id) }

// AddContext adds a context node.
func (m *Graph) AddContext(id string) { m.AddNode(KindContext, id) }

// HasNode reports whether a node of the given kind exists.
func (m *Graph) HasNode(kind NodeKind, id string) bool {
	_, ok := m.kindMap(kind)[id]
	return ok
}

// RemoveNode removes a node and all its incident edges. Removing a missing
// node is a no-op. Connection edges attached to the node are unregistered
// from the connection handle map.
func (m *Graph) RemoveNode(kind NodeKind, id string) {
	byID := m.kindMap(kind)
	n, ok := byID[id]
	if !ok {
		return
	}
	for _, e := range m.incidentEdges(n) {
		if e.ConnID != "" {
			delete(m.conns, e.ConnID)
		}
		m.edgeCount--
	}
	m.g.RemoveNode(n.id)
	delete(byID, id)
}

func (m *Graph) incidentEdges(n *Node) []*Edge {
	var edges []*Edge
	out := m.g.From(n.id)
	for out.Next() {
		lines := m.g.Lines(n.id, out.Node().ID())
		for lines.Next() {
			edges = append(edges, lines.Line().(*Edge))
		}
	}
	in := m.g.To(n.id)
	for in.Next() {
		lines := m.g.Lines(in.Node().ID(), n.id)
		for lines.Next() {
			edges = append(edges, lines.Line().(*Edge))
		}
	}
	return edges
}

// NodeCount returns the total number of nodes.
func (m *Graph) NodeCount() int {
	return len(m.engrams) + len(m.collections) + len(m.agents) + len(m.contexts)
}

// NodeCountByKind returns the number of nodes of one kind.
func (m *Graph) NodeCountByKind(kind NodeKind) int {
	return len(m.kindMap(kind))
}

// EdgeCount returns the total number of edges.
func (m *Graph) EdgeCount() int { return m.edgeCount }

// ============================================================================
// Edge operations
// ============================================================================

func (m *Graph) addLine(from, to *Node, e *Edge) {
	raw := m.g.NewLine(from, to)
	e.from = from
	e.to = to
	e.uid = raw.ID()
	m.g.SetLine(e)
	m.edgeCount++
}

// findLine returns the first edge of the given kind between two nodes.
func (m *Graph) findLine(from, to *Node, kind EdgeKind) (*Edge, bool) {
	lines := m.g.Lines(from.id, to.id)
	for lines.Next() {
		e := lines.Line().(*Edge)
		if e.Kind == kind {
			return e, true
		}
	}
	return nil, false
}

// AddConnection adds (or replaces) a connection edge between two engram
// nodes. Both endpoints must already be in the graph. Re-adding the same
// connection ID updates its type and weight in place.
func (m *Graph) AddConnection(connID, sourceID, targetID, relType string, weight float64) error {
	from, ok := m.engrams[sourceID]
	if !ok {
		return fmt.Errorf("connection %s source %s: %w", connID, sourceID, ErrNodeNotFound)
	}
	to, ok := m.engrams[targetID]
	if !ok {
		return fmt.Errorf("connection %s target %s: %w", connID, targetID, ErrNodeNotFound)
	}
	if prev, ok := m.conns[connID]; ok {
		prev.RelType = relType
		prev.Weight = weight
		return nil
	}
	e := &Edge{Kind: EdgeConnection, ConnID: connID, RelType: relType, Weight: weight}
	m.addLine(from, to, e)
	m.conns[connID] = e
	return nil
}

// RemoveConnection removes a connection edge by ID. Returns false if the
// connection is not in the graph.
func (m *Graph) RemoveConnection(connID string) bool {
	e, ok := m.conns[connID]
	if !ok {
		return false
	}
	m.g.RemoveLine(e.from.ID(), e.to.ID(), e.uid)
	delete(m.conns, connID)
	m.edgeCount--
	return true
}

// Connection looks up a connection edge by ID.
func (m *Graph) Connection(connID string) (EdgeInfo, bool) {
	e, ok := m.conns[connID]
	if !ok {
		return EdgeInfo{}, false
	}
	return e.info(), true
}

// addStructural adds an unlabeled edge of the given kind, idempotently.
func (m *Graph) addStructural(from, to *Node, kind EdgeKind) {
	if _, ok := m.findLine(from, to, kind); ok {
		return
	}
	m.addLine(from, to, &Edge{Kind: kind})
}

// removeStructural removes one edge of the given kind between two nodes.
func (m *Graph) removeStructural(from, to *Node, kind EdgeKind) bool {
	e, ok := m.findLine(from, to, kind)
	if !ok {
		return false
	}
	m.g.RemoveLine(from.id, to.id, e.uid)
	m.edgeCount--
	return true
}

// AddContains links a collection or context to a member. Valid members are
// engrams, and agents when the parent is a context.
func (m *Graph) AddContains(parentID, memberID string) error {
	from, ok := m.node(parentID)
	if !ok || (from.Kind != KindCollection && from.Kind != KindContext) {
		return fmt.Errorf("contains parent %s: %w", parentID, ErrNodeNotFound)
	}
	to, ok := m.node(memberID)
	if !ok {
		return fmt.Errorf("contains member %s: %w", memberID, ErrNodeNotFound)
	}
	if to.Kind == KindAgent && from.Kind != KindContext {
		return fmt.Errorf("contains member %s: agents belong to contexts only: %w", memberID, ErrNodeNotFound)
	}
	if to.Kind != KindEngram && to.Kind != KindAgent {
		return fmt.Errorf("contains member %s: %w", memberID, ErrNodeNotFound)
	}
	m.addStructural(from, to, EdgeContains)
	return nil
}

// RemoveContains unlinks a member from its parent.
func (m *Graph) RemoveContains(parentID, memberID string) bool {
	from, ok := m.node(parentID)
	if !ok {
		return false
	}
	to, ok := m.node(memberID)
	if !ok {
		return false
	}
	return m.removeStructural(from, to, EdgeContains)
}

// AddHasAccess links an agent to a collection it may read.
func (m *Graph) AddHasAccess(agentID, collectionID string) error {
	from, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("has_access agent %s: %w", agentID, ErrNodeNotFound)
	}
	to, ok := m.collections[collectionID]
	if !ok {
		return fmt.Errorf("has_access collection %s: %w", collectionID, ErrNodeNotFound)
	}
	m.addStructural(from, to, EdgeHasAccess)
	return nil
}

// RemoveHasAccess revokes an agent-to-collection link.
func (m *Graph) RemoveHasAccess(agentID, collectionID string) bool {
	from, ok := m.agents[agentID]
	if !ok {
		return false
	}
	to, ok := m.collections[collectionID]
	if !ok {
		return false
	}
	return m.removeStructural(from, to, EdgeHasAccess)
}

// AddParticipates links an agent into a context. The caller pairs this with
// AddContains(contextID, agentID) so the membership traverses both ways.
func (m *Graph) AddParticipates(agentID, contextID string) error {
	from, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("participates agent %s: %w", agentID, ErrNodeNotFound)
	}
	to, ok := m.contexts[contextID]
	if !ok {
		return fmt.Errorf("participates context %s: %w", contextID, ErrNodeNotFound)
	}
	m.addStructural(from, to, EdgeParticipates)
	return nil
}

// RemoveParticipates removes an agent-to-context link.
func (m *Graph) RemoveParticipates(agentID, contextID string) bool {
	from, ok := m.agents[agentID]
	if !ok {
		return false
	}
	to, ok := m.contexts[contextID]
	if !ok {
		return false
	}
	return m.removeStructural(from, to, EdgeParticipates)
}

// ============================================================================
// Enumeration
// ============================================================================

// OutgoingEdges returns all edges leaving a node.
func (m *Graph) OutgoingEdges(id string) []EdgeInfo {
	n, ok := m.node(id)
	if !ok {
		return nil
	}
	var out []EdgeInfo
	it := m.g.From(n.id)
	for it.Next() {
		lines := m.g.Lines(n.id, it.Node().ID())
		for lines.Next() {
			out = append(out, lines.Line().(*Edge).info())
		}
	}
	return out
}

// IncomingEdges returns all edges arriving at a node.
func (m *Graph) IncomingEdges(id string) []EdgeInfo {
	n, ok := m.node(id)
	if !ok {
		return nil
	}
	var in []EdgeInfo
	it := m.g.To(n.id)
	for it.Next() {
		lines := m.g.Lines(it.Node().ID(), n.id)
		for lines.Next() {
			in = append(in, lines.Line().(*Edge).info())
		}
	}
	return in
}

// EdgesByKind returns every edge of one kind. This walks the whole graph;
// use the connection handle map for ID lookups instead.
func (m *Graph) EdgesByKind(kind EdgeKind) []EdgeInfo {
	var edges []EdgeInfo
	nodes := m.g.Nodes()
	for nodes.Next() {
		uid := nodes.Node().ID()
		out := m.g.From(uid)
		for out.Next() {
			lines := m.g.Lines(uid, out.Node().ID())
			for lines.Next() {
				e := lines.Line().(*Edge)
				if e.Kind == kind {
					edges = append(edges, e.info())
				}
			}
		}
	}
	return edges
}

// Neighbors lists the entity IDs adjacent to a node through edges of the
// given kind. Direction Both unions outgoing and incoming neighbors without
// duplicates.
func (m *Graph) Neighbors(id string, kind EdgeKind, dir Direction) []string {
	n, ok := m.node(id)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var neighbors []string
	add := func(refID string) {
		if !seen[refID] {
			seen[refID] = true
			neighbors = append(neighbors, refID)
		}
	}
	if dir == Outgoing || dir == Both {
		it := m.g.From(n.id)
		for it.Next() {
			v := it.Node()
			lines := m.g.Lines(n.id, v.ID())
			for lines.Next() {
				if lines.Line().(*Edge).Kind == kind {
					add(v.(*Node).RefID)
				}
			}
		}
	}
	if dir == Incoming || dir == Both {
		it := m.g.To(n.id)
		for it.Next() {
			v := it.Node()
			lines := m.g.Lines(v.ID(), n.id)
			for lines.Next() {
				if lines.Line().(*Edge).Kind == kind {
					add(v.(*Node).RefID)
				}
			}
		}
	}
	return neighbors
}

// ConnectionDegree returns how many connection edges arrive at and leave an
// engram node. Used for graph centrality scoring.
func (m *Graph) ConnectionDegree(id string) (in, out int) {
	n, ok := m.engrams[id]
	if !ok {
		return 0, 0
	}
	oit := m.g.From(n.id)
	for oit.Next() {
		lines := m.g.Lines(n.id, oit.Node().ID())
		for lines.Next() {
			if lines.Line().(*Edge).Kind == EdgeConnection {
				out++
			}
		}
	}
	iit := m.g.To(n.id)
	for iit.Next() {
		lines := m.g.Lines(iit.Node().ID(), n.id)
		for lines.Next() {
			if lines.Line().(*Edge).Kind == EdgeConnection {
				in++
			}
		}
	}
	return in, out
}
