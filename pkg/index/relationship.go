package index

import "github.com/engramai/engramlite/pkg/storage"

// RelationshipIndex keeps five views over connections so traversal never
// scans: outgoing and incoming connection ids per engram, connection ids per
// relationship type, and direct source-to-target / target-to-source engram
// shortcuts.
type RelationshipIndex struct {
	outgoing map[string]IDSet
	incoming map[string]IDSet
	byType   map[string]IDSet
	targets  map[string]IDSet
	sources  map[string]IDSet
}

// NewRelationshipIndex creates an empty relationship index.
func NewRelationshipIndex() *RelationshipIndex {
	return &RelationshipIndex{
		outgoing: make(map[string]IDSet),
		incoming: make(map[string]IDSet),
		byType:   make(map[string]IDSet),
		targets:  make(map[string]IDSet),
		sources:  make(map[string]IDSet),
	}
}

func addTo(m map[string]IDSet, key, id string) {
	s, ok := m[key]
	if !ok {
		s = make(IDSet)
		m[key] = s
	}
	s.Add(id)
}

func removeFrom(m map[string]IDSet, key, id string) {
	s, ok := m[key]
	if !ok {
		return
	}
	s.Remove(id)
	if len(s) == 0 {
		delete(m, key)
	}
}

// Add indexes a connection in all five views.
func (ri *RelationshipIndex) Add(c *storage.Connection) {
	addTo(ri.outgoing, c.SourceID, c.ID)
	addTo(ri.incoming, c.TargetID, c.ID)
	addTo(ri.byType, c.RelationshipType, c.ID)
	addTo(ri.targets, c.SourceID, c.TargetID)
	addTo(ri.sources, c.TargetID, c.SourceID)
}

// Remove clears a connection from all five views. The source-target
// shortcut entry disappears with the connection even if a parallel
// connection still links the same pair.
func (ri *RelationshipIndex) Remove(c *storage.Connection) {
	removeFrom(ri.outgoing, c.SourceID, c.ID)
	removeFrom(ri.incoming, c.TargetID, c.ID)
	removeFrom(ri.byType, c.RelationshipType, c.ID)
	removeFrom(ri.targets, c.SourceID, c.TargetID)
	removeFrom(ri.sources, c.TargetID, c.SourceID)
}

// Outgoing returns the connection ids leaving an engram.
func (ri *RelationshipIndex) Outgoing(sourceID string) IDSet {
	return ri.outgoing[sourceID].Clone()
}

// Incoming returns the connection ids arriving at an engram.
func (ri *RelationshipIndex) Incoming(targetID string) IDSet {
	return ri.incoming[targetID].Clone()
}

// ByType returns all connection ids of one relationship type.
func (ri *RelationshipIndex) ByType(relationshipType string) IDSet {
	return ri.byType[relationshipType].Clone()
}

// Targets returns the engram ids reachable from a source in one hop.
func (ri *RelationshipIndex) Targets(sourceID string) IDSet {
	return ri.targets[sourceID].Clone()
}

// Sources returns the engram ids that link to a target in one hop.
func (ri *RelationshipIndex) Sources(targetID string) IDSet {
	return ri.sources[targetID].Clone()
}

// BySourceAndType intersects outgoing connections with a relationship type.
func (ri *RelationshipIndex) BySourceAndType(sourceID, relationshipType string) IDSet {
	return ri.outgoing[sourceID].Intersect(ri.byType[relationshipType])
}

// ByTargetAndType intersects incoming connections with a relationship type.
func (ri *RelationshipIndex) ByTargetAndType(targetID, relationshipType string) IDSet {
	return ri.incoming[targetID].Intersect(ri.byType[relationshipType])
}

// FindPaths returns every cycle-free directed path from source to target of
// at most maxDepth hops. Each path lists engram ids starting at the source
// and ending at the target.
func (ri *RelationshipIndex) FindPaths(sourceID, targetID string, maxDepth int) [][]string {
	var paths [][]string
	current := []string{sourceID}
	ri.dfsPaths(sourceID, targetID, maxDepth, current, &paths)
	return paths
}

func (ri *RelationshipIndex) dfsPaths(current, target string, depthLeft int, path []string, paths *[][]string) {
	if current == target {
		found := make([]string, len(path))
		copy(found, path)
		*paths = append(*paths, found)
		return
	}
	if depthLeft == 0 {
		return
	}
	for next := range ri.targets[current] {
		if containsID(path, next) {
			continue
		}
		ri.dfsPaths(next, target, depthLeft-1, append(path, next), paths)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
