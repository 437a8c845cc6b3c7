package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/storage"
)

// chainFixture builds a -> b -> c -> d with one "causes" connection per
// hop.
func chainFixture(t *testing.T) *queryFixture {
	t.Helper()
	f := newQueryFixture()
	for _, id := range []string{"a", "b", "c", "d"} {
		f.put(testEngram(id, "chain node "+id, "graph", 0.8, base))
	}
	f.connect(t, "ab", "a", "b", "causes", 0.9)
	f.connect(t, "bc", "b", "c", "causes", 0.8)
	f.connect(t, "cd", "c", "d", "causes", 0.7)
	return f
}

func TestTraverse_OutgoingDepth(t *testing.T) {
	f := chainFixture(t)

	res, err := f.eng.Traverse(Traversal{Origin: "a", MaxDepth: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, engramIDs(res.Engrams))
	require.Equal(t, []string{"ab", "bc"}, connectionIDs(res.Connections))

	origin, err := f.eng.Traverse(Traversal{Origin: "a", MaxDepth: 0})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, engramIDs(origin.Engrams))
	require.Empty(t, origin.Connections)
}

func TestTraverse_TypeFilter(t *testing.T) {
	f := newQueryFixture()
	for _, id := range []string{"a", "b", "c"} {
		f.put(testEngram(id, "typed node "+id, "graph", 0.8, base))
	}
	f.connect(t, "ab", "a", "b", "causes", 0.9)
	f.connect(t, "ac", "a", "c", "supports", 0.5)

	res, err := f.eng.Traverse(Traversal{Origin: "a", MaxDepth: 3, Types: []string{"causes"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, engramIDs(res.Engrams))
	require.Equal(t, []string{"ab"}, connectionIDs(res.Connections))
}

func TestTraverse_Directions(t *testing.T) {
	f := chainFixture(t)

	incoming, err := f.eng.Traverse(Traversal{Origin: "d", MaxDepth: 2, Direction: graph.Incoming})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, engramIDs(incoming.Engrams))
	require.Equal(t, []string{"bc", "cd"}, connectionIDs(incoming.Connections))

	both, err := f.eng.Traverse(Traversal{Origin: "b", MaxDepth: 1, Direction: graph.Both})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, engramIDs(both.Engrams))
	require.Equal(t, []string{"ab", "bc"}, connectionIDs(both.Connections))
}

func TestTraverse_CycleTerminates(t *testing.T) {
	f := newQueryFixture()
	f.put(testEngram("a", "loop node a", "graph", 0.8, base))
	f.put(testEngram("b", "loop node b", "graph", 0.8, base))
	f.connect(t, "ab", "a", "b", "loops", 0.9)
	f.connect(t, "ba", "b", "a", "loops", 0.9)

	res, err := f.eng.Traverse(Traversal{Origin: "a", MaxDepth: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, engramIDs(res.Engrams))
	require.Equal(t, []string{"ab", "ba"}, connectionIDs(res.Connections))
}

func TestTraverse_MissingOrigin(t *testing.T) {
	f := newQueryFixture()

	_, err := f.eng.Traverse(Traversal{Origin: "ghost", MaxDepth: 2})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindPaths_Diamond(t *testing.T) {
	f := newQueryFixture()
	for _, id := range []string{"a", "b", "c", "d"} {
		f.put(testEngram(id, "diamond node "+id, "graph", 0.8, base))
	}
	f.connect(t, "ab", "a", "b", "step", 0.9)
	f.connect(t, "bd", "b", "d", "step", 0.9)
	f.connect(t, "ac", "a", "c", "step", 0.9)
	f.connect(t, "cd", "c", "d", "step", 0.9)
	f.connect(t, "ad", "a", "d", "shortcut", 0.9)

	paths, err := f.eng.FindPaths("a", "d", 2)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	require.Equal(t, Path{EngramIDs: []string{"a", "d"}, ConnectionIDs: []string{"ad"}}, paths[0])
	require.Equal(t, Path{EngramIDs: []string{"a", "b", "d"}, ConnectionIDs: []string{"ab", "bd"}}, paths[1])
	require.Equal(t, Path{EngramIDs: []string{"a", "c", "d"}, ConnectionIDs: []string{"ac", "cd"}}, paths[2])
}

func TestFindPaths_ParallelConnections(t *testing.T) {
	f := newQueryFixture()
	f.put(testEngram("a", "paper a", "graph", 0.8, base))
	f.put(testEngram("b", "paper b", "graph", 0.8, base))
	f.connect(t, "ab1", "a", "b", "cites", 0.9)
	f.connect(t, "ab2", "a", "b", "extends", 0.4)

	paths, err := f.eng.FindPaths("a", "b", 3)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, []string{"a", "b"}, paths[0].EngramIDs)
	require.Equal(t, []string{"ab1", "ab2"}, paths[0].ConnectionIDs)
}

func TestFindPaths_DepthBound(t *testing.T) {
	f := chainFixture(t)

	short, err := f.eng.FindPaths("a", "d", 2)
	require.NoError(t, err)
	require.Empty(t, short)

	full, err := f.eng.FindPaths("a", "d", 3)
	require.NoError(t, err)
	require.Len(t, full, 1)
	require.Equal(t, []string{"a", "b", "c", "d"}, full[0].EngramIDs)
	require.Equal(t, []string{"ab", "bc", "cd"}, full[0].ConnectionIDs)

	reverse, err := f.eng.FindPaths("d", "a", 5)
	require.NoError(t, err)
	require.Empty(t, reverse)
}

func TestFindPaths_MissingEndpoint(t *testing.T) {
	f := newQueryFixture()
	f.put(testEngram("a", "lone node", "graph", 0.8, base))

	_, err := f.eng.FindPaths("a", "ghost", 2)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.eng.FindPaths("ghost", "a", 2)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
