// Package index ties the structural, graph and vector indexes to one node
// dictionary.
//
// Each index works on dense uint32 ordinals. Set assigns an ordinal to every
// NodeID it sees and translates results back. Ordinals are never reused, so an
// edge that outlives its endpoint still resolves to the deleted NodeID and the
// caller gets NotFound when fetching it.
//
// # Subpackages
//
//   - structural: field/value inverted index on roaring bitmaps
//   - graph: adjacency lists, depth-limited traversal and shortest path
//   - vector: HNSW approximate nearest-neighbor search
package index
