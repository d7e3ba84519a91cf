package index

import (
	"errors"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/loom/index/graph"
	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/index/vector"
	"github.com/hupe1980/loom/model"
)

// Options configures a Set.
type Options struct {
	// Dimension fixes the embedding dimension. 0 takes it from the first embedding.
	Dimension int

	// BruteForceThreshold is the candidate count at or below which filtered vector
	// searches scan the candidates exhaustively instead of walking the graph.
	BruteForceThreshold int

	Vector []func(o *vector.Options)
}

// DefaultOptions returns default index set options.
var DefaultOptions = Options{
	BruteForceThreshold: 2048,
}

// Set is the shared index state of a database. It is safe for concurrent use;
// the dictionary and every index guard themselves independently.
type Set struct {
	opts Options

	mu   sync.RWMutex
	ords map[model.NodeID]uint32
	ids  []model.NodeID

	structural *structural.Index
	graph      *graph.Index
	vector     *vector.HNSW
}

// New returns an empty set.
func New(optFns ...func(o *Options)) *Set {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Set{
		opts:       opts,
		ords:       make(map[model.NodeID]uint32),
		structural: structural.New(),
		graph:      graph.New(),
		vector:     vector.New(opts.Dimension, opts.Vector...),
	}
}

// Metric returns the vector distance metric.
func (s *Set) Metric() vector.Metric { return s.vector.Metric() }

// Dimension returns the vector dimension, 0 while unfixed.
func (s *Set) Dimension() int { return s.vector.Dimension() }

// CheckVector reports whether v could be indexed, without indexing it.
func (s *Set) CheckVector(v []float32) error {
	if dim := s.vector.Dimension(); dim != 0 && dim != len(v) {
		return model.InvalidOperation("index.CheckVector", "%v", &vector.ErrDimensionMismatch{Expected: dim, Actual: len(v)})
	}
	if s.vector.Metric() != vector.Cosine {
		return nil
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return model.InvalidOperation("index.CheckVector", "%v", vector.ErrZeroVector)
}

// ordinal returns the ordinal of id, assigning one when create is set.
func (s *Set) ordinal(id model.NodeID, create bool) (uint32, bool) {
	s.mu.RLock()
	ord, ok := s.ords[id]
	s.mu.RUnlock()
	if ok || !create {
		return ord, ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ord, ok := s.ords[id]; ok {
		return ord, true
	}
	ord = uint32(len(s.ids)) //nolint:gosec // bounded by memory
	s.ids = append(s.ids, id)
	s.ords[id] = ord
	return ord, true
}

func (s *Set) nodeID(ord uint32) model.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[ord]
}

// IndexNode adds or refreshes the structural entry of n.
func (s *Set) IndexNode(n model.Node) error {
	ord, _ := s.ordinal(n.NodeID(), true)
	if err := s.structural.Set(ord, n.Fields()); err != nil {
		return model.InvalidOperation("index.IndexNode", "%s: %v", n.NodeID(), err)
	}
	return nil
}

// RemoveNode drops the structural and vector entries of id. Graph links stay.
func (s *Set) RemoveNode(id model.NodeID) {
	ord, ok := s.ordinal(id, false)
	if !ok {
		return
	}
	s.structural.Remove(ord)
	s.vector.Delete(ord)
}

// IndexEdge adds e to the graph.
func (s *Set) IndexEdge(e *model.Edge) {
	from, _ := s.ordinal(e.From, true)
	to, _ := s.ordinal(e.To, true)
	s.graph.Add(e.ID, e.Type, from, to)
}

// RemoveEdge drops e from the graph.
func (s *Set) RemoveEdge(e *model.Edge) {
	from, ok1 := s.ordinal(e.From, false)
	to, ok2 := s.ordinal(e.To, false)
	if ok1 && ok2 {
		s.graph.Remove(e.ID, from, to)
	}
}

// IndexEmbedding stores the vector of emb under its owner node. A node has at most
// one vector; a newer embedding replaces the older one.
func (s *Set) IndexEmbedding(emb *model.Embedding) error {
	ord, _ := s.ordinal(emb.NodeID, true)
	if err := s.vector.Insert(ord, emb.Vector); err != nil {
		return model.InvalidOperation("index.IndexEmbedding", "%s: %v", emb.ID, err)
	}
	return nil
}

// RemoveEmbedding drops the vector of node id.
func (s *Set) RemoveEmbedding(id model.NodeID) {
	if ord, ok := s.ordinal(id, false); ok {
		s.vector.Delete(ord)
	}
}

// HasVector reports whether node id has an indexed vector.
func (s *Set) HasVector(id model.NodeID) bool {
	ord, ok := s.ordinal(id, false)
	return ok && s.vector.Contains(ord)
}

// Filter evaluates structural filters (AND) and returns the matching ordinals.
func (s *Set) Filter(filters ...structural.Filter) (*roaring.Bitmap, error) {
	b, err := s.structural.Evaluate(filters...)
	if err != nil {
		return nil, model.InvalidOperation("index.Filter", "%v", err)
	}
	return b, nil
}

// Traverse returns the ordinals reachable from start within depth hops.
func (s *Set) Traverse(start model.NodeID, dir model.Direction, typ model.EdgeType, depth int) (*roaring.Bitmap, error) {
	if depth < 1 {
		return nil, model.InvalidOperation("index.Traverse", "depth must be at least 1, got %d", depth)
	}
	out := roaring.New()
	ord, ok := s.ordinal(start, false)
	if !ok {
		return out, nil
	}
	out.AddMany(s.graph.Traverse(ord, dir, typ, depth))
	return out, nil
}

// Neighbor is an adjacent node and the edge leading to it.
type Neighbor struct {
	Edge model.EdgeID
	Type model.EdgeType
	Node model.NodeID
}

// Neighbors lists the direct neighbors of id.
func (s *Set) Neighbors(id model.NodeID, dir model.Direction, typ model.EdgeType) []Neighbor {
	ord, ok := s.ordinal(id, false)
	if !ok {
		return nil
	}
	links := s.graph.Neighbors(ord, dir, typ)
	out := make([]Neighbor, len(links))
	for i, l := range links {
		out[i] = Neighbor{Edge: l.Edge, Type: l.Type, Node: s.nodeID(l.Neighbor)}
	}
	return out
}

// PathStep is one hop of a path. Edge is empty for the first step.
type PathStep struct {
	Node model.NodeID
	Edge model.EdgeID
}

// ShortestPath finds the fewest-hops path between two nodes.
func (s *Set) ShortestPath(from, to model.NodeID, dir model.Direction, typ model.EdgeType, maxDepth int) ([]PathStep, bool) {
	f, ok1 := s.ordinal(from, false)
	t, ok2 := s.ordinal(to, false)
	if !ok1 || !ok2 {
		return nil, false
	}
	steps, ok := s.graph.ShortestPath(f, t, dir, typ, maxDepth)
	if !ok {
		return nil, false
	}
	out := make([]PathStep, len(steps))
	for i, st := range steps {
		out[i] = PathStep{Node: s.nodeID(st.Node), Edge: st.Edge}
	}
	return out, true
}

// Hit is one vector search result.
type Hit struct {
	ID         model.NodeID
	Distance   float32
	Similarity float32
}

// Search returns the k nodes whose vectors are closest to q. A non-nil allow
// restricts the search to those ordinals.
func (s *Set) Search(q []float32, k int, allow *roaring.Bitmap) ([]Hit, error) {
	var (
		results []vector.Result
		err     error
	)
	switch {
	case allow == nil:
		results, err = s.vector.Search(q, k, nil)
	case allow.IsEmpty():
		return nil, nil
	case int(allow.GetCardinality()) <= s.opts.BruteForceThreshold:
		results, err = s.vector.BruteSearch(q, k, allow.ToArray())
	default:
		results, err = s.vector.Search(q, k, allow.Contains)
	}
	if err != nil {
		var dimErr *vector.ErrDimensionMismatch
		if errors.As(err, &dimErr) || errors.Is(err, vector.ErrZeroVector) {
			return nil, model.InvalidOperation("index.Search", "%v", err)
		}
		return nil, err
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: s.nodeID(r.Key), Distance: r.Distance, Similarity: r.Similarity}
	}
	return hits, nil
}

// Resolve maps ordinals back to NodeIDs in ascending NodeID order.
func (s *Set) Resolve(b *roaring.Bitmap) []model.NodeID {
	if b == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]model.NodeID, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		out = append(out, s.ids[it.Next()])
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Ordinals maps ids to a bitmap, skipping unknown ids.
func (s *Set) Ordinals(ids ...model.NodeID) *roaring.Bitmap {
	out := roaring.New()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if ord, ok := s.ords[id]; ok {
			out.Add(ord)
		}
	}
	return out
}

// Reset empties every index. The dictionary is kept so ordinals stay stable.
func (s *Set) Reset() {
	s.structural.Reset()
	s.graph.Reset()
	s.vector.Reset(s.opts.Dimension != 0)
}

// CompactVectors drops the tombstones of the vector index and returns how many
// were reclaimed.
func (s *Set) CompactVectors() int { return s.vector.Compact() }

// Stats reports index sizes.
type Stats struct {
	Nodes   int
	Edges   int
	Vectors vector.Stats
}

// Stats returns the current index sizes.
func (s *Set) Stats() Stats {
	return Stats{
		Nodes:   s.structural.Len(),
		Edges:   s.graph.Len(),
		Vectors: s.vector.Stats(),
	}
}
