package storage

import (
	"context"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// InsertEdge stores a new edge. Both endpoints must exist.
func (m *Manager) InsertEdge(ctx context.Context, e *model.Edge) error {
	const op = "storage.InsertEdge"
	if e == nil {
		return model.InvalidOperation(op, "nil edge")
	}
	if err := model.ValidateEdgeID(op, e.ID); err != nil {
		return err
	}
	if err := model.ValidateNodeID(op, e.From); err != nil {
		return err
	}
	if err := model.ValidateNodeID(op, e.To); err != nil {
		return err
	}
	if err := model.ValidateEdgeType(op, e.Type); err != nil {
		return err
	}
	for _, id := range []model.NodeID{e.From, e.To} {
		if err := m.opts.Lookup(ctx, id); err != nil {
			if model.IsNotFound(err) {
				return model.NotFound(op, "edge %s endpoint %s", e.ID, id)
			}
			return err
		}
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = model.Now()
	}

	b, err := encode(op, m.opts.Codec, e)
	if err != nil {
		return err
	}
	err = kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		_, err := tx.Get(SpaceEdges, edgeKey(e.ID))
		switch {
		case err == nil:
			return model.InvalidOperation(op, "edge %s already exists", e.ID)
		case !model.IsNotFound(err):
			return err
		}
		if err := tx.Put(SpaceEdges, edgeKey(e.ID), b); err != nil {
			return err
		}
		if err := tx.Put(SpaceEdges, outKey(e), []byte(e.ID)); err != nil {
			return err
		}
		return tx.Put(SpaceEdges, inKey(e), []byte(e.ID))
	})
	if err != nil {
		return err
	}

	m.idx.IndexEdge(e)
	m.emit(model.EdgeCreated{ID: e.ID, From: e.From, To: e.To, Type: e.Type})
	return nil
}

// GetEdge returns the edge stored under id.
func (m *Manager) GetEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error) {
	const op = "storage.GetEdge"
	if err := model.ValidateEdgeID(op, id); err != nil {
		return nil, err
	}
	b, err := m.engine.Get(ctx, SpaceEdges, edgeKey(id))
	if model.IsNotFound(err) {
		return nil, model.NotFound(op, "edge %s", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeEdge(m.opts.Codec, b)
}

// DeleteEdge removes an edge and returns it.
func (m *Manager) DeleteEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error) {
	const op = "storage.DeleteEdge"
	if err := model.ValidateEdgeID(op, id); err != nil {
		return nil, err
	}
	var e *model.Edge
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		b, err := tx.Get(SpaceEdges, edgeKey(id))
		if model.IsNotFound(err) {
			return model.NotFound(op, "edge %s", id)
		}
		if err != nil {
			return err
		}
		if e, err = decodeEdge(m.opts.Codec, b); err != nil {
			return err
		}
		for _, k := range [][]byte{edgeKey(id), outKey(e), inKey(e)} {
			if err := tx.Delete(SpaceEdges, k); err != nil && !model.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.idx.RemoveEdge(e)
	m.emit(model.EdgeDeleted{ID: e.ID, From: e.From, To: e.To, Type: e.Type})
	return e, nil
}

// EdgesOf returns the edges touching id on the given side, optionally restricted
// to one type, in key order. Each edge appears once, self loops included.
func (m *Manager) EdgesOf(ctx context.Context, id model.NodeID, dir model.Direction, typ model.EdgeType) ([]*model.Edge, error) {
	const op = "storage.EdgesOf"
	if err := model.ValidateNodeID(op, id); err != nil {
		return nil, err
	}
	if typ != "" {
		if err := model.ValidateEdgeType(op, typ); err != nil {
			return nil, err
		}
	}
	var prefixes [][]byte
	if dir == model.Outbound || dir == model.Both {
		prefixes = append(prefixes, adjacencyPrefix(prefixOut, id, typ))
	}
	if dir == model.Inbound || dir == model.Both {
		prefixes = append(prefixes, adjacencyPrefix(prefixIn, id, typ))
	}

	var out []*model.Edge
	seen := make(map[model.EdgeID]struct{})
	err := m.engine.View(ctx, func(r kv.Reader) error {
		for _, p := range prefixes {
			err := r.ScanPrefix(SpaceEdges, p, func(_, value []byte) error {
				eid := model.EdgeID(value)
				if _, ok := seen[eid]; ok {
					return nil
				}
				seen[eid] = struct{}{}
				b, err := r.Get(SpaceEdges, edgeKey(eid))
				if model.IsNotFound(err) {
					return nil
				}
				if err != nil {
					return err
				}
				e, err := decodeEdge(m.opts.Codec, b)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasEdge reports whether an edge of type typ leads from one node to another.
func (m *Manager) HasEdge(ctx context.Context, from, to model.NodeID, typ model.EdgeType) (bool, error) {
	edges, err := m.EdgesOf(ctx, from, model.Outbound, typ)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.To == to {
			return true, nil
		}
	}
	return false, nil
}
