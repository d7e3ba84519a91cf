package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/model"
)

func TestSetStructuralAndResolve(t *testing.T) {
	s := New()
	require.NoError(t, s.IndexNode(&model.Message{ID: "msg_b", ChatID: "chat_1", Sender: "alice", Content: "hi", Timestamp: 1}))
	require.NoError(t, s.IndexNode(&model.Message{ID: "msg_a", ChatID: "chat_1", Sender: "bob", Content: "yo", Timestamp: 2}))
	require.NoError(t, s.IndexNode(&model.Entity{ID: "ent_1", Label: "Paris", EntityType: "LOC"}))

	b, err := s.Filter(structural.Eq(model.FieldNodeType, string(model.KindMessage)))
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_a", "msg_b"}, s.Resolve(b))

	_, err = s.Filter(structural.Filter{Field: "sender", Operator: "bogus", Value: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	s.RemoveNode("msg_a")
	b, err = s.Filter(structural.Eq(model.FieldNodeType, string(model.KindMessage)))
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_b"}, s.Resolve(b))
}

func TestSetGraph(t *testing.T) {
	s := New()
	e1 := &model.Edge{ID: "edge_1", From: "msg_1", To: "ent_paris", Type: model.EdgeMentions}
	e2 := &model.Edge{ID: "edge_2", From: "msg_2", To: "ent_paris", Type: model.EdgeMentions}
	s.IndexEdge(e1)
	s.IndexEdge(e2)

	nbs := s.Neighbors("ent_paris", model.Inbound, model.EdgeMentions)
	require.Len(t, nbs, 2)
	assert.Equal(t, Neighbor{Edge: "edge_1", Type: model.EdgeMentions, Node: "msg_1"}, nbs[0])

	b, err := s.Traverse("ent_paris", model.Inbound, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_1", "msg_2"}, s.Resolve(b))

	_, err = s.Traverse("ent_paris", model.Inbound, "", 0)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	b, err = s.Traverse("unknown", model.Both, "", 3)
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())

	path, ok := s.ShortestPath("msg_1", "msg_2", model.Both, "", 3)
	require.True(t, ok)
	assert.Equal(t, []PathStep{{Node: "msg_1"}, {Node: "ent_paris", Edge: "edge_1"}, {Node: "msg_2", Edge: "edge_2"}}, path)

	// Removing a node keeps its edges; the endpoint still resolves.
	s.RemoveNode("msg_1")
	assert.Len(t, s.Neighbors("ent_paris", model.Inbound, ""), 2)

	s.RemoveEdge(e1)
	assert.Len(t, s.Neighbors("ent_paris", model.Inbound, ""), 1)
}

func TestSetSearch(t *testing.T) {
	s := New(func(o *Options) { o.BruteForceThreshold = 1 })
	embs := []*model.Embedding{
		{ID: "emb_1", NodeID: "n1", Vector: []float32{1, 0, 0}},
		{ID: "emb_2", NodeID: "n2", Vector: []float32{0.9, 0.1, 0}},
		{ID: "emb_3", NodeID: "n3", Vector: []float32{0, 0, 1}},
	}
	for _, e := range embs {
		require.NoError(t, s.IndexEmbedding(e))
	}
	assert.True(t, s.HasVector("n1"))

	hits, err := s.Search([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.NodeID("n1"), hits[0].ID)
	assert.Equal(t, model.NodeID("n2"), hits[1].ID)

	// Graph-walk path for large allow sets, brute force for small ones.
	allow := s.Ordinals("n2", "n3")
	hits, err = s.Search([]float32{1, 0, 0}, 5, allow)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.NodeID("n2"), hits[0].ID)

	hits, err = s.Search([]float32{1, 0, 0}, 5, s.Ordinals("n3"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NodeID("n3"), hits[0].ID)

	_, err = s.Search([]float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	assert.ErrorIs(t, s.IndexEmbedding(&model.Embedding{ID: "emb_4", NodeID: "n4", Vector: []float32{1}}), model.ErrInvalidOperation)

	s.RemoveEmbedding("n1")
	assert.False(t, s.HasVector("n1"))

	st := s.Stats()
	assert.Equal(t, 2, st.Vectors.Live)
	assert.Equal(t, 1, st.Vectors.Tombstones)

	assert.Equal(t, 1, s.CompactVectors())
	st = s.Stats()
	assert.Equal(t, 2, st.Vectors.Live)
	assert.Equal(t, 0, st.Vectors.Tombstones)
	hits, err = s.Search([]float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.NodeID("n2"), hits[0].ID)

	s.Reset()
	assert.Equal(t, 0, s.Stats().Vectors.Live)
}

func TestSetCheckVector(t *testing.T) {
	s := New(func(o *Options) { o.Dimension = 2 })
	assert.Equal(t, 2, s.Dimension())
	require.NoError(t, s.CheckVector([]float32{1, 0}))
	assert.ErrorIs(t, s.CheckVector([]float32{1, 0, 0}), model.ErrInvalidOperation)
	assert.ErrorIs(t, s.CheckVector([]float32{0, 0}), model.ErrInvalidOperation)
}
