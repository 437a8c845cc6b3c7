package query

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/engramai/engramlite/pkg/index"
	"github.com/engramai/engramlite/pkg/storage"
)

// RelationshipQuery selects connections by the conjunction of its set
// fields. At least one of SourceID, TargetID, or Type must be set.
type RelationshipQuery struct {
	// SourceID selects connections leaving this engram.
	SourceID string
	// TargetID selects connections arriving at this engram.
	TargetID string
	// Type selects connections of one relationship type.
	Type string
	// MinWeight drops connections lighter than the threshold when
	// positive.
	MinWeight float64
}

// Relationships runs a connection selection query: intersect the
// relationship index projections of every present selector, load the
// survivors, and order them heaviest first.
func (eng *Engine) Relationships(q RelationshipQuery) ([]*storage.Connection, error) {
	var sets []index.IDSet
	if q.SourceID != "" {
		sets = append(sets, eng.indexes.Relationships.Outgoing(q.SourceID))
	}
	if q.TargetID != "" {
		sets = append(sets, eng.indexes.Relationships.Incoming(q.TargetID))
	}
	if q.Type != "" {
		sets = append(sets, eng.indexes.Relationships.ByType(q.Type))
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("relationship query needs a source, target, or type: %w", storage.ErrInvalidInput)
	}

	ids := intersect(sets).ToSortedSlice()
	results, err := eng.hydrateConnections(ids, q.MinWeight)
	if err != nil {
		return nil, err
	}
	sortByWeight(results)
	return results, nil
}

// ConnectionsOf returns every connection touching an engram in either
// direction, heaviest first, optionally restricted to one relationship
// type.
func (eng *Engine) ConnectionsOf(id, relType string) ([]*storage.Connection, error) {
	var ids index.IDSet
	if relType == "" {
		ids = eng.indexes.Relationships.Outgoing(id).Union(eng.indexes.Relationships.Incoming(id))
	} else {
		ids = eng.indexes.Relationships.BySourceAndType(id, relType).Union(eng.indexes.Relationships.ByTargetAndType(id, relType))
	}
	results, err := eng.hydrateConnections(ids.ToSortedSlice(), 0)
	if err != nil {
		return nil, err
	}
	sortByWeight(results)
	return results, nil
}

// hydrateConnections loads records in id order, dropping those below
// minWeight when minWeight is positive. Input order is preserved.
func (eng *Engine) hydrateConnections(ids []string, minWeight float64) ([]*storage.Connection, error) {
	out := make([]*storage.Connection, 0, len(ids))
	for _, id := range ids {
		c, err := eng.load.Connection(id)
		if errors.Is(err, storage.ErrNotFound) {
			eng.log.Warn("index points at missing connection", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if minWeight > 0 && c.Weight < minWeight {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func sortByWeight(conns []*storage.Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].Weight != conns[j].Weight {
			return conns[i].Weight > conns[j].Weight
		}
		return conns[i].ID < conns[j].ID
	})
}
