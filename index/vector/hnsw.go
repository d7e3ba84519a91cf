// Package vector implements an HNSW (Hierarchical Navigable Small World) index for
// approximate nearest-neighbor search over embeddings.
//
// Entries are addressed by caller-owned uint32 keys (node ordinals). Deleting or
// re-inserting a key tombstones the old graph node; tombstoned nodes still route
// searches but are never returned. Compact rebuilds the graph from the live
// entries, and inserts and deletes trigger it once tombstones dominate.
package vector

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/loom/internal/queue"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrZeroVector is returned when a zero vector is inserted into a cosine index.
var ErrZeroVector = errors.New("zero vector cannot be normalized")

// Options configures the index.
type Options struct {
	// M is the number of links established per node and layer (2*M on layer 0).
	// 12-48 suits most embedding models.
	M int

	// EFConstruction is the candidate list size used while inserting.
	EFConstruction int

	// EF is the minimum candidate list size used while searching. The effective
	// value is max(EF, k).
	EF int

	// Heuristic selects diverse neighbors instead of the plain k closest ones.
	Heuristic bool

	Metric Metric

	// Seed makes level assignment reproducible.
	Seed int64

	// CompactRatio triggers a rebuild when tombstones exceed this share of all
	// graph nodes. 0 disables automatic compaction.
	CompactRatio float64

	// CompactMin is the number of tombstones below which no automatic rebuild
	// happens.
	CompactMin int
}

// DefaultOptions returns default index options.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EF:             64,
	Heuristic:      true,
	Metric:         Cosine,
	Seed:           42,
	CompactRatio:   0.5,
	CompactMin:     1024,
}

type node struct {
	key    uint32
	level  int
	vector []float32
	links  [][]uint32
}

// Result is one search hit.
type Result struct {
	Key        uint32
	Distance   float32
	Similarity float32
}

// HNSW is safe for concurrent use: searches share a read lock, inserts and
// deletes take the write lock.
type HNSW struct {
	mu sync.RWMutex

	dim   int
	opts  Options
	mmax  int
	mmax0 int
	ml    float64
	rng   *rand.Rand

	nodes    []*node
	byKey    map[uint32]uint32 // key -> live node id
	deleted  bitset.BitSet
	ep       uint32
	hasEP    bool
	maxLevel int
}

// New creates an index. A dimension of 0 is fixed by the first insert.
func New(dim int, optFns ...func(o *Options)) *HNSW {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		// 1 / log(1) is undefined.
		opts.M = 2
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EF < 1 {
		opts.EF = DefaultOptions.EF
	}

	return &HNSW{
		dim:   dim,
		opts:  opts,
		mmax:  opts.M,
		mmax0: 2 * opts.M,
		ml:    1 / math.Log(float64(opts.M)),
		rng:   rand.New(rand.NewSource(opts.Seed)), //nolint:gosec // level sampling
		byKey: make(map[uint32]uint32),
	}
}

// Dimension returns the vector dimension, 0 while the index is empty and unfixed.
func (h *HNSW) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

// Metric returns the configured metric.
func (h *HNSW) Metric() Metric { return h.opts.Metric }

// Len returns the number of live entries.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKey)
}

// Contains reports whether key has a live entry.
func (h *HNSW) Contains(key uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byKey[key]
	return ok
}

func (h *HNSW) prepare(v []float32) ([]float32, error) {
	if h.dim != 0 && len(v) != h.dim {
		return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: len(v)}
	}
	if len(v) == 0 {
		return nil, &ErrDimensionMismatch{Expected: h.dim, Actual: 0}
	}
	out := slices.Clone(v)
	if h.opts.Metric == Cosine && !Normalize(out) {
		return nil, ErrZeroVector
	}
	return out, nil
}

func (h *HNSW) distance(a, b []float32) float32 {
	return h.opts.Metric.distance(a, b)
}

// Insert adds or replaces the vector stored under key.
func (h *HNSW) Insert(key uint32, v []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vec, err := h.prepare(v)
	if err != nil {
		return err
	}
	if h.dim == 0 {
		h.dim = len(vec)
	}

	if old, ok := h.byKey[key]; ok {
		h.deleted.Set(uint(old))
	}
	h.insert(key, vec)
	h.maybeCompact()
	return nil
}

// insert links a prepared vector into the graph. The caller holds the write lock.
func (h *HNSW) insert(key uint32, vec []float32) {
	id := uint32(len(h.nodes)) //nolint:gosec // bounded by memory
	level := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	n := &node{key: key, level: level, vector: vec, links: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, n)
	h.byKey[key] = id

	if !h.hasEP {
		h.ep, h.maxLevel, h.hasEP = id, level, true
		return
	}

	// Greedy descent through the layers above the new node.
	cur := h.ep
	curDist := h.distance(vec, h.nodes[cur].vector)
	for l := h.maxLevel; l > level; l-- {
		cur, curDist = h.greedy(vec, cur, curDist, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, cur, curDist, h.opts.EFConstruction, l)
		neighbors := h.selectNeighbors(candidates, h.opts.M)

		n.links[l] = make([]uint32, 0, len(neighbors))
		for _, c := range neighbors {
			n.links[l] = append(n.links[l], c.Node)
		}
		for _, c := range neighbors {
			h.link(c.Node, id, l)
		}

		cur, curDist = candidates[0].Node, candidates[0].Distance
	}

	if level > h.maxLevel {
		h.ep, h.maxLevel = id, level
	}
}

// Delete tombstones key. It reports whether key had a live entry.
func (h *HNSW) Delete(key uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.byKey[key]
	if !ok {
		return false
	}
	h.deleted.Set(uint(id))
	delete(h.byKey, key)
	h.maybeCompact()
	return true
}

// Compact rebuilds the graph from the live entries, dropping every tombstone.
// It returns the number of reclaimed graph nodes.
func (h *HNSW) Compact() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rebuild()
}

func (h *HNSW) tombstones() int { return len(h.nodes) - len(h.byKey) }

func (h *HNSW) maybeCompact() {
	dead := h.tombstones()
	if h.opts.CompactRatio <= 0 || dead < max(1, h.opts.CompactMin) {
		return
	}
	if float64(dead) > h.opts.CompactRatio*float64(len(h.nodes)) {
		h.rebuild()
	}
}

func (h *HNSW) rebuild() int {
	dead := h.tombstones()
	if dead == 0 {
		return 0
	}
	live := make([]*node, 0, len(h.byKey))
	for id, n := range h.nodes {
		if !h.deleted.Test(uint(id)) { //nolint:gosec // id < len(nodes)
			live = append(live, n)
		}
	}

	h.nodes = make([]*node, 0, len(live))
	h.byKey = make(map[uint32]uint32, len(live))
	h.deleted.ClearAll()
	h.ep, h.hasEP, h.maxLevel = 0, false, 0
	for _, n := range live {
		h.insert(n.key, n.vector)
	}
	return dead
}

// Reset empties the index. The dimension is kept only when fixed at construction.
func (h *HNSW) Reset(keepDim bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !keepDim {
		h.dim = 0
	}
	h.nodes = nil
	h.byKey = make(map[uint32]uint32)
	h.deleted.ClearAll()
	h.ep, h.hasEP, h.maxLevel = 0, false, 0
	h.rng = rand.New(rand.NewSource(h.opts.Seed)) //nolint:gosec
}

func (h *HNSW) greedy(q []float32, cur uint32, curDist float32, level int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[cur].links[level] {
			if d := h.distance(q, h.nodes[nb].vector); d < curDist {
				cur, curDist, changed = nb, d, true
			}
		}
	}
	return cur, curDist
}

// searchLayer returns up to ef closest nodes on one layer in ascending distance.
func (h *HNSW) searchLayer(q []float32, ep uint32, epDist float32, ef, level int) []queue.PriorityQueueItem {
	visited := bitset.New(uint(len(h.nodes)))
	visited.Set(uint(ep))

	candidates := queue.NewMin(ef)
	results := queue.NewMax(ef)
	start := queue.PriorityQueueItem{Node: ep, Distance: epDist}
	candidates.PushItem(start)
	results.PushItem(start)

	for candidates.Len() > 0 {
		c, _ := candidates.PopItem()
		worst, _ := results.TopItem()
		if c.Distance > worst.Distance {
			break
		}

		links := h.nodes[c.Node].links
		if level >= len(links) {
			continue
		}
		for _, nb := range links[level] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))

			d := h.distance(q, h.nodes[nb].vector)
			worst, _ = results.TopItem()
			if results.Len() < ef || d < worst.Distance {
				item := queue.PriorityQueueItem{Node: nb, Distance: d}
				candidates.PushItem(item)
				results.PushItem(item)
				if results.Len() > ef {
					results.PopItem()
				}
			}
		}
	}

	out := make([]queue.PriorityQueueItem, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = results.PopItem()
	}
	return out
}

// selectNeighbors picks at most m links from candidates sorted by ascending distance.
func (h *HNSW) selectNeighbors(candidates []queue.PriorityQueueItem, m int) []queue.PriorityQueueItem {
	if len(candidates) <= m {
		return candidates
	}
	if !h.opts.Heuristic {
		return candidates[:m]
	}

	selected := make([]queue.PriorityQueueItem, 0, m)
	var pruned []queue.PriorityQueueItem
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		// Keep c only if it is closer to the base than to every selected neighbor.
		diverse := true
		for _, s := range selected {
			if h.distance(h.nodes[c.Node].vector, h.nodes[s.Node].vector) < c.Distance {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c)
	}
	return selected
}

// link adds to to the adjacency of from, shrinking it when it overflows.
func (h *HNSW) link(from, to uint32, level int) {
	maxLinks := h.mmax
	if level == 0 {
		maxLinks = h.mmax0
	}

	n := h.nodes[from]
	n.links[level] = append(n.links[level], to)
	if len(n.links[level]) <= maxLinks {
		return
	}

	candidates := make([]queue.PriorityQueueItem, 0, len(n.links[level]))
	for _, id := range n.links[level] {
		candidates = append(candidates, queue.PriorityQueueItem{Node: id, Distance: h.distance(n.vector, h.nodes[id].vector)})
	}
	slices.SortFunc(candidates, func(a, b queue.PriorityQueueItem) int { return cmp.Compare(a.Distance, b.Distance) })

	kept := h.selectNeighbors(candidates, maxLinks)
	n.links[level] = n.links[level][:0]
	for _, c := range kept {
		n.links[level] = append(n.links[level], c.Node)
	}
}

// Search returns the k nearest live entries accepted by allow (nil accepts all),
// ordered by ascending distance and then key.
func (h *HNSW) Search(q []float32, k int, allow func(key uint32) bool) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEP || len(h.byKey) == 0 {
		return nil, nil
	}
	vec, err := h.prepare(q)
	if err != nil {
		return nil, err
	}

	cur := h.ep
	curDist := h.distance(vec, h.nodes[cur].vector)
	for l := h.maxLevel; l > 0; l-- {
		cur, curDist = h.greedy(vec, cur, curDist, l)
	}

	// Widen the beam until enough accepted hits are found or the whole graph was seen.
	ef := max(h.opts.EF, k)
	for {
		candidates := h.searchLayer(vec, cur, curDist, ef, 0)
		results := h.collect(candidates, k, allow)
		if len(results) >= k || ef >= len(h.nodes) {
			return results, nil
		}
		ef *= 2
	}
}

func (h *HNSW) collect(candidates []queue.PriorityQueueItem, k int, allow func(uint32) bool) []Result {
	results := make([]Result, 0, k)
	for _, c := range candidates {
		if h.deleted.Test(uint(c.Node)) {
			continue
		}
		key := h.nodes[c.Node].key
		if allow != nil && !allow(key) {
			continue
		}
		results = append(results, Result{Key: key, Distance: c.Distance, Similarity: h.opts.Metric.Similarity(c.Distance)})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// BruteSearch scans the given keys exhaustively. Unknown keys are skipped.
func (h *HNSW) BruteSearch(q []float32, k int, keys []uint32) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.byKey) == 0 {
		return nil, nil
	}
	vec, err := h.prepare(q)
	if err != nil {
		return nil, err
	}

	top := queue.NewMax(k)
	for _, key := range keys {
		id, ok := h.byKey[key]
		if !ok {
			continue
		}
		d := h.distance(vec, h.nodes[id].vector)
		if top.Len() < k {
			top.PushItem(queue.PriorityQueueItem{Node: id, Distance: d})
			continue
		}
		if worst, _ := top.TopItem(); d < worst.Distance {
			top.PopItem()
			top.PushItem(queue.PriorityQueueItem{Node: id, Distance: d})
		}
	}

	results := make([]Result, 0, top.Len())
	for top.Len() > 0 {
		c, _ := top.PopItem()
		results = append(results, Result{Key: h.nodes[c.Node].key, Distance: c.Distance, Similarity: h.opts.Metric.Similarity(c.Distance)})
	}
	sortResults(results)
	return results, nil
}

// Vector returns a copy of the stored (normalized for cosine) vector of key.
func (h *HNSW) Vector(key uint32) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byKey[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(h.nodes[id].vector), true
}

func sortResults(results []Result) {
	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}
