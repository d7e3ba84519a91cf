package query

import (
	"context"

	"github.com/hupe1980/loom/model"
)

// Path is a walk through the graph. Edges[i] connects Nodes[i] and Nodes[i+1].
type Path struct {
	Nodes []model.Node
	Edges []*model.Edge
}

// Len returns the number of hops.
func (p *Path) Len() int { return len(p.Edges) }

// ShortestPath finds a path with the fewest hops between two nodes, following
// edges in direction dir, optionally of one type. Paths through nodes whose
// record is gone are reported as NotFound.
func (e *Engine) ShortestPath(ctx context.Context, from, to model.NodeID, dir model.Direction, typ model.EdgeType, maxDepth int) (*Path, error) {
	const op = "query.ShortestPath"
	if err := model.ValidateNodeID(op, from); err != nil {
		return nil, err
	}
	if err := model.ValidateNodeID(op, to); err != nil {
		return nil, err
	}
	if maxDepth < 1 {
		return nil, model.InvalidOperation(op, "max depth must be at least 1, got %d", maxDepth)
	}

	steps, ok := e.idx.ShortestPath(from, to, dir, typ, maxDepth)
	if !ok {
		return nil, model.NotFound(op, "no path from %s to %s within %d hops", from, to, maxDepth)
	}

	p := &Path{Nodes: make([]model.Node, 0, len(steps))}
	for i, st := range steps {
		n, err := e.store.GetNode(ctx, st.Node)
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, n)
		if i == 0 {
			continue
		}
		edge, err := e.store.GetEdge(ctx, st.Edge)
		if err != nil {
			return nil, err
		}
		p.Edges = append(p.Edges, edge)
	}
	return p, nil
}
