package query

import (
	"fmt"
	"sort"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// Traversal bounds a depth-first walk over connection edges.
type Traversal struct {
	// Origin is the engram the walk starts from.
	Origin string
	// MaxDepth bounds the walk; 0 visits only the origin.
	MaxDepth int
	// Types restricts the walk to these relationship types. Empty means
	// every type.
	Types []string
	// Direction selects which connection edges to follow. The zero
	// value follows outgoing edges.
	Direction graph.Direction
}

// TraversalResult is the reachable portion of the graph: every engram
// visited and every connection crossed, each in id order.
type TraversalResult struct {
	Engrams     []*storage.Engram
	Connections []*storage.Connection
}

// Traverse walks connection edges depth-first from the origin, marking
// engrams and connections as visited so cycles terminate. A connection
// between two already-visited engrams is still collected when the walk
// reaches it within the depth bound.
func (eng *Engine) Traverse(q Traversal) (*TraversalResult, error) {
	if !eng.graph.HasNode(graph.KindEngram, q.Origin) {
		return nil, fmt.Errorf("traversal origin %s: %w", q.Origin, storage.ErrNotFound)
	}

	var allowed map[string]bool
	if len(q.Types) > 0 {
		allowed = make(map[string]bool, len(q.Types))
		for _, t := range q.Types {
			allowed[t] = true
		}
	}

	visited := make(map[string]bool)
	crossed := make(map[string]bool)

	var walk func(id string, depthLeft int)
	walk = func(id string, depthLeft int) {
		visited[id] = true
		if depthLeft <= 0 {
			return
		}
		for _, edge := range eng.incident(id, q.Direction) {
			if edge.Kind != graph.EdgeConnection {
				continue
			}
			if allowed != nil && !allowed[edge.RelType] {
				continue
			}
			if crossed[edge.ConnID] {
				continue
			}
			crossed[edge.ConnID] = true
			next := edge.ToID
			if next == id {
				next = edge.FromID
			}
			if !visited[next] {
				walk(next, depthLeft-1)
			}
		}
	}
	walk(q.Origin, q.MaxDepth)

	engrams, err := eng.hydrateEngrams(sortedKeys(visited), nil)
	if err != nil {
		return nil, err
	}
	connections, err := eng.hydrateConnections(sortedKeys(crossed), 0)
	if err != nil {
		return nil, err
	}
	return &TraversalResult{Engrams: engrams, Connections: connections}, nil
}

// incident returns the graph edges a walk at id may follow.
func (eng *Engine) incident(id string, dir graph.Direction) []graph.EdgeInfo {
	switch dir {
	case graph.Incoming:
		return eng.graph.IncomingEdges(id)
	case graph.Both:
		return append(eng.graph.OutgoingEdges(id), eng.graph.IncomingEdges(id)...)
	default:
		return eng.graph.OutgoingEdges(id)
	}
}

// Path is one simple route between two engrams: the engram ids in walk
// order and every connection linking each consecutive pair.
type Path struct {
	EngramIDs     []string `json:"engram_ids"`
	ConnectionIDs []string `json:"connection_ids"`
}

// FindPaths enumerates every cycle-free outgoing path from source to
// target within maxDepth hops, shortest first. Both endpoints must
// exist. Parallel connections along a hop all appear in the path's
// connection list.
func (eng *Engine) FindPaths(sourceID, targetID string, maxDepth int) ([]Path, error) {
	if _, err := eng.load.Engram(sourceID); err != nil {
		return nil, fmt.Errorf("path source %s: %w", sourceID, err)
	}
	if _, err := eng.load.Engram(targetID); err != nil {
		return nil, fmt.Errorf("path target %s: %w", targetID, err)
	}

	routes := eng.indexes.Relationships.FindPaths(sourceID, targetID, maxDepth)
	paths := make([]Path, 0, len(routes))
	for _, route := range routes {
		p := Path{EngramIDs: route}
		for i := 0; i+1 < len(route); i++ {
			hop := eng.indexes.Relationships.Outgoing(route[i]).Intersect(eng.indexes.Relationships.Incoming(route[i+1]))
			p.ConnectionIDs = append(p.ConnectionIDs, hop.ToSortedSlice()...)
		}
		paths = append(paths, p)
	}

	sort.Slice(paths, func(i, j int) bool {
		pi, pj := paths[i].EngramIDs, paths[j].EngramIDs
		if len(pi) != len(pj) {
			return len(pi) < len(pj)
		}
		for k := range pi {
			if pi[k] != pj[k] {
				return pi[k] < pj[k]
			}
		}
		return false
	})
	return paths, nil
}

func sortedKeys(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
