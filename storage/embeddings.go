package storage

import (
	"context"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

func (m *Manager) validateEmbedding(ctx context.Context, op string, emb *model.Embedding) error {
	if emb == nil {
		return model.InvalidOperation(op, "nil embedding")
	}
	if err := model.ValidateEmbeddingID(op, emb.ID); err != nil {
		return err
	}
	if err := model.ValidateNodeID(op, emb.NodeID); err != nil {
		return err
	}
	if len(emb.Vector) == 0 {
		return model.InvalidOperation(op, "embedding %s has no vector", emb.ID)
	}
	if err := m.idx.CheckVector(emb.Vector); err != nil {
		return err
	}
	if err := m.opts.Lookup(ctx, emb.NodeID); err != nil {
		if model.IsNotFound(err) {
			return model.NotFound(op, "embedding %s owner %s", emb.ID, emb.NodeID)
		}
		return err
	}
	if emb.CreatedAt == 0 {
		emb.CreatedAt = model.Now()
	}
	return nil
}

func (m *Manager) indexEmbedding(emb *model.Embedding) {
	if !m.opts.SyncIndexing {
		return
	}
	if err := m.idx.IndexEmbedding(emb); err != nil {
		m.logger.Warn("index embedding", "id", emb.ID, "node", emb.NodeID, "error", err)
	}
}

// confirmOwner re-checks the owner after an embedding was committed. An owner
// deleted in the meantime takes the embedding with it.
func (m *Manager) confirmOwner(ctx context.Context, op string, emb *model.Embedding) error {
	err := m.opts.Lookup(ctx, emb.NodeID)
	if err == nil || !model.IsNotFound(err) {
		return err
	}
	if _, derr := m.DeleteEmbedding(ctx, emb.ID); derr != nil && !model.IsNotFound(derr) {
		return derr
	}
	m.idx.RemoveEmbedding(emb.NodeID)
	return model.NotFound(op, "embedding %s owner %s", emb.ID, emb.NodeID)
}

// InsertEmbedding stores a new embedding. The owner node must exist and must not
// already have one.
func (m *Manager) InsertEmbedding(ctx context.Context, emb *model.Embedding) error {
	const op = "storage.InsertEmbedding"
	if err := m.validateEmbedding(ctx, op, emb); err != nil {
		return err
	}
	b, err := encode(op, m.opts.Codec, emb)
	if err != nil {
		return err
	}

	err = kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		_, err := tx.Get(SpaceEmbeddings, embeddingKey(emb.ID))
		switch {
		case err == nil:
			return model.InvalidOperation(op, "embedding %s already exists", emb.ID)
		case !model.IsNotFound(err):
			return err
		}
		existing, err := tx.Get(SpaceEmbeddings, embeddingNodeKey(emb.NodeID))
		switch {
		case err == nil:
			return model.InvalidOperation(op, "node %s already has embedding %s", emb.NodeID, existing)
		case !model.IsNotFound(err):
			return err
		}
		if err := tx.Put(SpaceEmbeddings, embeddingKey(emb.ID), b); err != nil {
			return err
		}
		return tx.Put(SpaceEmbeddings, embeddingNodeKey(emb.NodeID), []byte(emb.ID))
	})
	if err != nil {
		return err
	}

	m.indexEmbedding(emb)
	if err := m.confirmOwner(ctx, op, emb); err != nil {
		return err
	}
	m.emit(model.EmbeddingCreated{ID: emb.ID, NodeID: emb.NodeID})
	return nil
}

// UpsertEmbedding stores the single embedding of a node. When the node already
// has one, its id is kept and emb.ID is set to it. It reports whether a new
// embedding was created.
func (m *Manager) UpsertEmbedding(ctx context.Context, emb *model.Embedding) (bool, error) {
	const op = "storage.UpsertEmbedding"
	if emb != nil && emb.ID == "" {
		emb.ID = model.NewEmbeddingID()
	}
	if err := m.validateEmbedding(ctx, op, emb); err != nil {
		return false, err
	}

	var created bool
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		existing, err := tx.Get(SpaceEmbeddings, embeddingNodeKey(emb.NodeID))
		switch {
		case err == nil:
			emb.ID = model.EmbeddingID(existing)
		case model.IsNotFound(err):
			created = true
		default:
			return err
		}

		b, err := encode(op, m.opts.Codec, emb)
		if err != nil {
			return err
		}
		if err := tx.Put(SpaceEmbeddings, embeddingKey(emb.ID), b); err != nil {
			return err
		}
		return tx.Put(SpaceEmbeddings, embeddingNodeKey(emb.NodeID), []byte(emb.ID))
	})
	if err != nil {
		return false, err
	}

	m.indexEmbedding(emb)
	if err := m.confirmOwner(ctx, op, emb); err != nil {
		return false, err
	}
	if created {
		m.emit(model.EmbeddingCreated{ID: emb.ID, NodeID: emb.NodeID})
	} else {
		m.emit(model.EmbeddingUpdated{ID: emb.ID, NodeID: emb.NodeID})
	}
	return created, nil
}

// GetEmbedding returns the embedding stored under id.
func (m *Manager) GetEmbedding(ctx context.Context, id model.EmbeddingID) (*model.Embedding, error) {
	const op = "storage.GetEmbedding"
	if err := model.ValidateEmbeddingID(op, id); err != nil {
		return nil, err
	}
	b, err := m.engine.Get(ctx, SpaceEmbeddings, embeddingKey(id))
	if model.IsNotFound(err) {
		return nil, model.NotFound(op, "embedding %s", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(m.opts.Codec, b)
}

// EmbeddingForNode returns the embedding owned by a node.
func (m *Manager) EmbeddingForNode(ctx context.Context, id model.NodeID) (*model.Embedding, error) {
	const op = "storage.EmbeddingForNode"
	if err := model.ValidateNodeID(op, id); err != nil {
		return nil, err
	}
	var emb *model.Embedding
	err := m.engine.View(ctx, func(r kv.Reader) error {
		eid, err := r.Get(SpaceEmbeddings, embeddingNodeKey(id))
		if model.IsNotFound(err) {
			return model.NotFound(op, "embedding of node %s", id)
		}
		if err != nil {
			return err
		}
		b, err := r.Get(SpaceEmbeddings, embeddingKey(model.EmbeddingID(eid)))
		if model.IsNotFound(err) {
			return model.NotFound(op, "embedding of node %s", id)
		}
		if err != nil {
			return err
		}
		emb, err = decodeEmbedding(m.opts.Codec, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// DeleteEmbedding removes an embedding and its vector.
func (m *Manager) DeleteEmbedding(ctx context.Context, id model.EmbeddingID) (*model.Embedding, error) {
	const op = "storage.DeleteEmbedding"
	if err := model.ValidateEmbeddingID(op, id); err != nil {
		return nil, err
	}
	var emb *model.Embedding
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		b, err := tx.Get(SpaceEmbeddings, embeddingKey(id))
		if model.IsNotFound(err) {
			return model.NotFound(op, "embedding %s", id)
		}
		if err != nil {
			return err
		}
		if emb, err = decodeEmbedding(m.opts.Codec, b); err != nil {
			return err
		}
		if err := tx.Delete(SpaceEmbeddings, embeddingKey(id)); err != nil {
			return err
		}
		owner, err := tx.Get(SpaceEmbeddings, embeddingNodeKey(emb.NodeID))
		if err == nil && model.EmbeddingID(owner) == id {
			return tx.Delete(SpaceEmbeddings, embeddingNodeKey(emb.NodeID))
		}
		if err != nil && !model.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.idx.RemoveEmbedding(emb.NodeID)
	return emb, nil
}

// ReindexEmbedding refreshes the vector of a node from storage, dropping it when
// the node has no embedding anymore.
func (m *Manager) ReindexEmbedding(ctx context.Context, nodeID model.NodeID) error {
	emb, err := m.EmbeddingForNode(ctx, nodeID)
	if model.IsNotFound(err) {
		m.idx.RemoveEmbedding(nodeID)
		return nil
	}
	if err != nil {
		return err
	}
	return m.idx.IndexEmbedding(emb)
}
