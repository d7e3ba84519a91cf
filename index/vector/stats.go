package vector

// Stats describes the shape of the graph.
type Stats struct {
	Dimension int
	Live      int
	// Tombstones counts deleted or replaced graph nodes still used for routing.
	Tombstones int
	MaxLevel   int
	// Levels holds the number of nodes per layer.
	Levels []int
	// AvgLinks holds the average link count per node on each layer.
	AvgLinks []float64
}

// Stats returns statistics about the graph.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Dimension:  h.dim,
		Live:       len(h.byKey),
		Tombstones: len(h.nodes) - len(h.byKey),
		MaxLevel:   h.maxLevel,
	}
	if !h.hasEP {
		return s
	}

	s.Levels = make([]int, h.maxLevel+1)
	links := make([]int, h.maxLevel+1)
	for _, n := range h.nodes {
		for l := 0; l <= n.level; l++ {
			s.Levels[l]++
			links[l] += len(n.links[l])
		}
	}
	s.AvgLinks = make([]float64, len(links))
	for l, total := range links {
		s.AvgLinks[l] = float64(total) / float64(max(1, s.Levels[l]))
	}
	return s
}
