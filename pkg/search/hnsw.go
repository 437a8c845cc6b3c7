package search

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/engramai/engramlite/pkg/math/vector"
)

// ErrDimensionMismatch reports a vector whose width differs from the
// width the index was created with.
var ErrDimensionMismatch = errors.New("vector dimensions do not match index")

// Distance selects the metric the ANN index orders candidates by.
type Distance string

const (
	// DistanceCosine orders by cosine distance. Vectors are stored
	// normalized so the distance reduces to 1 - dot product.
	DistanceCosine Distance = "cosine"
	// DistanceEuclidean orders by L2 distance over the raw vectors.
	DistanceEuclidean Distance = "euclidean"
)

// ParseDistance maps a configuration string to a Distance. An empty
// string selects cosine.
func ParseDistance(s string) (Distance, error) {
	switch Distance(strings.ToLower(s)) {
	case "", DistanceCosine:
		return DistanceCosine, nil
	case DistanceEuclidean:
		return DistanceEuclidean, nil
	}
	return "", fmt.Errorf("unknown distance metric %q", s)
}

// HNSWConfig holds the graph construction and query tunables.
type HNSWConfig struct {
	// M caps the out-degree per node per layer.
	M int
	// EfConstruction sizes the candidate list while inserting.
	EfConstruction int
	// EfSearch sizes the candidate list while querying.
	EfSearch int
	// Distance selects the metric.
	Distance Distance
}

// DefaultHNSWConfig returns the settings used when none are given.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		Distance:       DistanceCosine,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M <= 1 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.Distance == "" {
		c.Distance = d.Distance
	}
	return c
}

// Scored pairs an id with a similarity or relevance score.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type hnswNode struct {
	id     string
	vector []float32
	level  int
	// neighbors[l] holds the ids linked at layer l, capped at M.
	neighbors [][]string
	deleted   bool
}

// HNSWIndex is a hierarchical navigable small-world graph over engram
// vectors. Writes take the exclusive lock; searches share it. Removal
// tombstones the node so it keeps routing the graph walk until Rebuild
// compacts the structure.
type HNSWIndex struct {
	config     HNSWConfig
	dimensions int
	levelMult  float64

	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	live       int
}

// NewHNSWIndex creates an empty index for vectors of the given width.
func NewHNSWIndex(dimensions int, config HNSWConfig) *HNSWIndex {
	config = config.withDefaults()
	return &HNSWIndex{
		config:     config,
		dimensions: dimensions,
		levelMult:  1.0 / math.Log(float64(config.M)),
		nodes:      make(map[string]*hnswNode),
	}
}

// Dimensions returns the vector width the index accepts.
func (h *HNSWIndex) Dimensions() int { return h.dimensions }

// Len returns the number of live entries.
func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.live
}

// Tombstones returns the number of removed entries still present in the
// graph. Compaction uses this to decide whether a rebuild is worthwhile.
func (h *HNSWIndex) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes) - h.live
}

// Contains reports whether id is live in the index.
func (h *HNSWIndex) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return ok && !n.deleted
}

// Vector returns a copy of the stored vector for a live id. Cosine
// indexes store vectors normalized.
func (h *HNSWIndex) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok || n.deleted {
		return nil, false
	}
	out := make([]float32, len(n.vector))
	copy(out, n.vector)
	return out, true
}

// Add inserts a vector under id. An existing entry for the id, live or
// tombstoned, is unlinked first, so add doubles as update.
func (h *HNSWIndex) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return fmt.Errorf("add %s: %w: got %d, index holds %d", id, ErrDimensionMismatch, len(vec), h.dimensions)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; ok {
		h.unlink(id)
	}
	h.insert(id, h.storedVector(vec))
	return nil
}

// Remove tombstones id. Reports whether a live entry was removed.
func (h *HNSWIndex) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[id]
	if !ok || n.deleted {
		return false
	}
	n.deleted = true
	h.live--
	return true
}

// Search returns the k nearest live entries to query, most similar
// first. filter, when non-nil, must approve an id before it can enter
// the results; the graph walk still crosses unapproved and tombstoned
// nodes so connectivity survives heavy filtering.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int, filter func(id string) bool) ([]Scored, error) {
	if len(query) != h.dimensions {
		return nil, fmt.Errorf("search: %w: got %d, index holds %d", ErrDimensionMismatch, len(query), h.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return nil, nil
	}

	vec := query
	if h.config.Distance == DistanceCosine {
		vec = vector.Normalize(query)
	}

	ep := h.entryPoint
	for l := h.nodes[ep].level; l > 0; l-- {
		ep = h.greedyClosest(vec, ep, l)
	}

	ef := h.config.EfSearch
	if ef < k {
		ef = k
	}
	eligible := func(n *hnswNode) bool {
		if n.deleted {
			return false
		}
		return filter == nil || filter(n.id)
	}
	ids := h.searchLayer(vec, ep, ef, 0, eligible)
	if len(ids) > k {
		ids = ids[:k]
	}

	results := make([]Scored, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := h.nodes[id]
		results = append(results, Scored{ID: id, Score: h.similarity(h.distance(vec, n.vector))})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Rebuild reconstructs the graph from the live entries, dropping every
// tombstone. Levels are redrawn, so the graph shape changes while the
// contents do not. Returns the number of tombstones dropped.
func (h *HNSWIndex) Rebuild() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	type liveEntry struct {
		id  string
		vec []float32
	}
	entries := make([]liveEntry, 0, h.live)
	for id, n := range h.nodes {
		if !n.deleted {
			entries = append(entries, liveEntry{id: id, vec: n.vector})
		}
	}
	dropped := len(h.nodes) - len(entries)

	h.nodes = make(map[string]*hnswNode, len(entries))
	h.entryPoint = ""
	h.maxLevel = 0
	h.live = 0
	for _, e := range entries {
		h.insert(e.id, e.vec)
	}
	return dropped
}

// storedVector prepares an incoming vector for storage: normalized for
// cosine, copied as-is for euclidean.
func (h *HNSWIndex) storedVector(vec []float32) []float32 {
	if h.config.Distance == DistanceCosine {
		return vector.Normalize(vec)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

func (h *HNSWIndex) distance(a, b []float32) float64 {
	if h.config.Distance == DistanceEuclidean {
		return vector.EuclideanDistance(a, b)
	}
	return 1 - vector.DotProduct(a, b)
}

// similarity maps a distance to the [0,1] score surfaced to callers.
func (h *HNSWIndex) similarity(dist float64) float64 {
	if h.config.Distance == DistanceEuclidean {
		return 1.0 / (1.0 + dist)
	}
	sim := 1.0 - dist
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// randomLevel draws a geometric level: floor(-ln(U) * 1/ln(M)) with U
// uniform on (0,1]. 1-Float64 keeps U away from zero.
func (h *HNSWIndex) randomLevel() int {
	u := 1.0 - rand.Float64()
	return int(math.Floor(-math.Log(u) * h.levelMult))
}

// insert wires a prepared vector into the graph. Callers hold the write
// lock and guarantee the id is absent.
func (h *HNSWIndex) insert(id string, vec []float32) {
	level := h.randomLevel()
	node := &hnswNode{
		id:        id,
		vector:    vec,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	h.nodes[id] = node
	h.live++

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	// Greedy descent through the layers above the new node's level.
	for l := epLevel; l > level; l-- {
		ep = h.greedyClosest(vec, ep, l)
	}

	// Connect on each shared layer, reusing the best candidate as the
	// entry point for the layer below.
	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, ep, h.config.EfConstruction, l, nil)
		neighbors := h.selectNeighbors(vec, candidates, h.config.M)
		node.neighbors[l] = neighbors
		for _, nid := range neighbors {
			h.linkBack(nid, id, l)
		}
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
}

// linkBack adds to into from's layer-l list, re-selecting the best M
// when the list overflows.
func (h *HNSWIndex) linkBack(from, to string, l int) {
	n := h.nodes[from]
	if n == nil || l > n.level {
		return
	}
	n.neighbors[l] = append(n.neighbors[l], to)
	if len(n.neighbors[l]) > h.config.M {
		n.neighbors[l] = h.selectNeighbors(n.vector, n.neighbors[l], h.config.M)
	}
}

// selectNeighbors keeps the m candidate ids closest to vec, nearest
// first.
func (h *HNSWIndex) selectNeighbors(vec []float32, candidates []string, m int) []string {
	type scoredID struct {
		id   string
		dist float64
	}
	items := make([]scoredID, 0, len(candidates))
	for _, id := range candidates {
		n, ok := h.nodes[id]
		if !ok {
			continue
		}
		items = append(items, scoredID{id: id, dist: h.distance(vec, n.vector)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })
	if len(items) > m {
		items = items[:m]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}

// greedyClosest walks layer l from ep toward vec until no neighbor
// improves the distance.
func (h *HNSWIndex) greedyClosest(vec []float32, ep string, l int) string {
	current := ep
	currentDist := h.distance(vec, h.nodes[current].vector)
	for {
		improved := false
		n := h.nodes[current]
		if l <= n.level {
			for _, nid := range n.neighbors[l] {
				nb, ok := h.nodes[nid]
				if !ok {
					continue
				}
				if d := h.distance(vec, nb.vector); d < currentDist {
					current, currentDist = nid, d
					improved = true
				}
			}
		}
		if !improved {
			return current
		}
	}
}

// searchLayer runs the bounded best-first scan of a single layer and
// returns up to ef eligible ids, nearest first. eligible gates entry to
// the result list only; nil admits every node. Traversal crosses
// ineligible nodes so they keep routing the walk.
func (h *HNSWIndex) searchLayer(vec []float32, ep string, ef, l int, eligible func(*hnswNode) bool) []string {
	entry, ok := h.nodes[ep]
	if !ok {
		return nil
	}
	epDist := h.distance(vec, entry.vector)

	visited := map[string]bool{ep: true}
	candidates := &distHeap{}
	results := &distHeap{max: true}
	heap.Push(candidates, distItem{id: ep, dist: epDist})
	if eligible == nil || eligible(entry) {
		heap.Push(results, distItem{id: ep, dist: epDist})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && closest.dist > results.items[0].dist {
			break
		}
		node := h.nodes[closest.id]
		if node == nil || l > node.level {
			continue
		}
		for _, nid := range node.neighbors[l] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			nb, ok := h.nodes[nid]
			if !ok {
				continue
			}
			d := h.distance(vec, nb.vector)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(candidates, distItem{id: nid, dist: d})
				if eligible == nil || eligible(nb) {
					heap.Push(results, distItem{id: nid, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

// unlink hard-removes a node: every neighbor list drops it and the
// entry point moves if it pointed there. Used when an id is re-added
// with a new vector.
func (h *HNSWIndex) unlink(id string) {
	node := h.nodes[id]
	if node == nil {
		return
	}
	if !node.deleted {
		h.live--
	}
	delete(h.nodes, id)

	for _, other := range h.nodes {
		for l := range other.neighbors {
			other.neighbors[l] = dropID(other.neighbors[l], id)
		}
	}

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = 0
		for nid, n := range h.nodes {
			if h.entryPoint == "" || n.level > h.maxLevel {
				h.entryPoint = nid
				h.maxLevel = n.level
			}
		}
	}
}

func dropID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// distItem is one entry in the layer-scan heaps.
type distItem struct {
	id   string
	dist float64
}

// distHeap is a min-heap of distItems, or a max-heap when max is set.
// The same structure serves the candidate frontier (min) and the
// bounded result list (max, so the worst result pops first).
type distHeap struct {
	items []distItem
	max   bool
}

func (h *distHeap) Len() int { return len(h.items) }

func (h *distHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}

func (h *distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *distHeap) Push(x any) { h.items = append(h.items, x.(distItem)) }

func (h *distHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
