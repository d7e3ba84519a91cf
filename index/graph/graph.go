// Package graph is the in-memory adjacency index over node ordinals.
//
// Each node keeps separate outbound and inbound link lists. Traversals are
// breadth-first with an explicit depth limit and a visited bitset, so they
// terminate on cycles and touch every reachable node at most once.
package graph

import (
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/loom/model"
)

// Link is one adjacency entry as seen from the owning node.
type Link struct {
	Edge     model.EdgeID
	Type     model.EdgeType
	Neighbor uint32
}

// Index is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	out   map[uint32][]Link
	in    map[uint32][]Link
	edges int
}

// New returns an empty index.
func New() *Index {
	return &Index{
		out: make(map[uint32][]Link),
		in:  make(map[uint32][]Link),
	}
}

// Add records the edge from -> to. Adding an edge id twice is a no-op.
func (g *Index) Add(id model.EdgeID, typ model.EdgeType, from, to uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if slices.ContainsFunc(g.out[from], func(l Link) bool { return l.Edge == id }) {
		return
	}
	g.out[from] = append(g.out[from], Link{Edge: id, Type: typ, Neighbor: to})
	g.in[to] = append(g.in[to], Link{Edge: id, Type: typ, Neighbor: from})
	g.edges++
}

// Remove drops the edge from -> to.
func (g *Index) Remove(id model.EdgeID, from, to uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	before := len(g.out[from])
	g.out[from] = dropLink(g.out[from], id)
	g.in[to] = dropLink(g.in[to], id)
	if len(g.out[from]) < before {
		g.edges--
	}
	if len(g.out[from]) == 0 {
		delete(g.out, from)
	}
	if len(g.in[to]) == 0 {
		delete(g.in, to)
	}
}

func dropLink(links []Link, id model.EdgeID) []Link {
	return slices.DeleteFunc(links, func(l Link) bool { return l.Edge == id })
}

// Reset empties the index.
func (g *Index) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out = make(map[uint32][]Link)
	g.in = make(map[uint32][]Link)
	g.edges = 0
}

// Len returns the number of indexed edges.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

// Neighbors returns the links of id in the given direction, optionally restricted
// to one edge type (empty matches all). The result is a copy.
func (g *Index) Neighbors(id uint32, dir model.Direction, typ model.EdgeType) []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighborsLocked(id, dir, typ, nil)
}

func (g *Index) neighborsLocked(id uint32, dir model.Direction, typ model.EdgeType, dst []Link) []Link {
	appendMatching := func(links []Link) {
		for _, l := range links {
			if typ == "" || l.Type == typ {
				dst = append(dst, l)
			}
		}
	}
	if dir == model.Outbound || dir == model.Both {
		appendMatching(g.out[id])
	}
	if dir == model.Inbound || dir == model.Both {
		appendMatching(g.in[id])
	}
	return dst
}

// Traverse returns every node reachable from start within depth hops, in
// breadth-first order. start itself is never part of the result.
func (g *Index) Traverse(start uint32, dir model.Direction, typ model.EdgeType, depth int) []uint32 {
	if depth < 1 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var visited bitset.BitSet
	visited.Set(uint(start))

	var (
		result   []uint32
		frontier = []uint32{start}
		next     []uint32
		links    []Link
	)
	for level := 0; level < depth && len(frontier) > 0; level++ {
		next = next[:0]
		for _, id := range frontier {
			links = g.neighborsLocked(id, dir, typ, links[:0])
			for _, l := range links {
				if visited.Test(uint(l.Neighbor)) {
					continue
				}
				visited.Set(uint(l.Neighbor))
				result = append(result, l.Neighbor)
				next = append(next, l.Neighbor)
			}
		}
		frontier, next = next, frontier
	}
	return result
}

// Step is one hop of a path. Edge is empty for the first step.
type Step struct {
	Node uint32
	Edge model.EdgeID
}

// ShortestPath returns the fewest-hops path from -> to of at most maxDepth edges,
// including both endpoints. ok is false when no such path exists.
func (g *Index) ShortestPath(from, to uint32, dir model.Direction, typ model.EdgeType, maxDepth int) ([]Step, bool) {
	if from == to {
		return []Step{{Node: from}}, true
	}
	if maxDepth < 1 {
		return nil, false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type parent struct {
		prev uint32
		edge model.EdgeID
	}
	parents := map[uint32]parent{}

	var visited bitset.BitSet
	visited.Set(uint(from))

	frontier := []uint32{from}
	var links []Link
	for level := 0; level < maxDepth && len(frontier) > 0; level++ {
		var next []uint32
		for _, id := range frontier {
			links = g.neighborsLocked(id, dir, typ, links[:0])
			for _, l := range links {
				if visited.Test(uint(l.Neighbor)) {
					continue
				}
				visited.Set(uint(l.Neighbor))
				parents[l.Neighbor] = parent{prev: id, edge: l.Edge}
				if l.Neighbor == to {
					return unwind(from, to, func(n uint32) (uint32, model.EdgeID) {
						p := parents[n]
						return p.prev, p.edge
					}), true
				}
				next = append(next, l.Neighbor)
			}
		}
		frontier = next
	}
	return nil, false
}

func unwind(from, to uint32, parentOf func(uint32) (uint32, model.EdgeID)) []Step {
	var path []Step
	for n := to; n != from; {
		prev, edge := parentOf(n)
		path = append(path, Step{Node: n, Edge: edge})
		n = prev
	}
	path = append(path, Step{Node: from})
	slices.Reverse(path)
	return path
}
