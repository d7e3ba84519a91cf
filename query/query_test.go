package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/testutil"
)

type memStore struct {
	nodes map[model.NodeID]model.Node
	edges map[model.EdgeID]*model.Edge
}

func (s *memStore) GetNode(_ context.Context, id model.NodeID) (model.Node, error) {
	if n, ok := s.nodes[id]; ok {
		return n, nil
	}
	return nil, model.NotFound("memStore.GetNode", "node %s", id)
}

func (s *memStore) GetEdge(_ context.Context, id model.EdgeID) (*model.Edge, error) {
	if e, ok := s.edges[id]; ok {
		return e, nil
	}
	return nil, model.NotFound("memStore.GetEdge", "edge %s", id)
}

type fixture struct {
	store *memStore
	idx   *index.Set
	eng   *Engine
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		store: &memStore{nodes: map[model.NodeID]model.Node{}, edges: map[model.EdgeID]*model.Edge{}},
		idx:   index.New(),
	}
	f.eng = New(f.store, f.idx, optFns...)
	return f
}

func (f *fixture) node(t *testing.T, n model.Node) {
	t.Helper()
	f.store.nodes[n.NodeID()] = n
	require.NoError(t, f.idx.IndexNode(n))
}

func (f *fixture) edge(e *model.Edge) {
	f.store.edges[e.ID] = e
	f.idx.IndexEdge(e)
}

func (f *fixture) vector(t *testing.T, id model.NodeID, v []float32) {
	t.Helper()
	require.NoError(t, f.idx.IndexEmbedding(&model.Embedding{ID: model.EmbeddingID("emb_" + id), NodeID: id, Vector: v}))
}

func ids(results []Result) []model.NodeID {
	out := make([]model.NodeID, len(results))
	for i, r := range results {
		out[i] = r.Node.NodeID()
	}
	return out
}

func TestStructuralOnlyMatchesIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 10 {
		sender := "alice"
		if i%3 == 0 {
			sender = "bob"
		}
		f.node(t, &model.Message{ID: model.NodeID(fmt.Sprintf("msg_%02d", i)), ChatID: "chat_1", Sender: sender, Timestamp: int64(i)})
	}

	filters := []StructuralFilter{
		structural.Eq("sender", "alice"),
		{Field: "timestamp", Operator: structural.OpGreaterEqual, Value: int64(4)},
	}
	res, err := f.eng.Execute(ctx, ConvergedQuery{StructuralFilters: filters})
	require.NoError(t, err)

	want, err := f.idx.Filter(filters...)
	require.NoError(t, err)
	assert.Equal(t, f.idx.Resolve(want), ids(res))
	assert.Equal(t, []model.NodeID{"msg_04", "msg_05", "msg_07", "msg_08"}, ids(res))
	for _, r := range res {
		assert.False(t, r.Scored)
	}

	res, err = f.eng.Execute(ctx, ConvergedQuery{StructuralFilters: filters, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_05", "msg_07"}, ids(res))
}

func TestSemanticWithinCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := testutil.NewRNG(3)
	vecs := rng.UniformRangeVectors(200, 8)
	for i, v := range vecs {
		id := model.NodeID(fmt.Sprintf("msg_%03d", i))
		chat := model.NodeID("chat_even")
		if i%2 == 1 {
			chat = "chat_odd"
		}
		f.node(t, &model.Message{ID: id, ChatID: chat})
		f.vector(t, id, v)
	}

	q := ConvergedQuery{
		StructuralFilters: []StructuralFilter{structural.Eq("chat_id", "chat_even")},
		SemanticFilter:    &SemanticFilter{Vector: vecs[0], TopK: 10, Threshold: -1},
	}
	res, err := f.eng.Execute(ctx, q)
	require.NoError(t, err)
	require.Len(t, res, 10)
	assert.Equal(t, model.NodeID("msg_000"), res[0].Node.NodeID())

	for i, r := range res {
		assert.True(t, r.Scored)
		assert.Equal(t, model.NodeID("chat_even"), r.Node.(*model.Message).ChatID)
		if i > 0 {
			assert.LessOrEqual(t, r.Similarity, res[i-1].Similarity)
		}
	}

	q.SemanticFilter.Threshold = 0.9999
	res, err = f.eng.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_000"}, ids(res))
}

func TestSemanticTieBreakByID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []model.NodeID{"msg_c", "msg_a", "msg_b"} {
		f.node(t, &model.Message{ID: id})
		f.vector(t, id, []float32{1, 0})
	}
	res, err := f.eng.Execute(context.Background(), ConvergedQuery{SemanticFilter: &SemanticFilter{Vector: []float32{1, 0}, TopK: 3}})
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_a", "msg_b", "msg_c"}, ids(res))
}

func TestGraphAndNeighborsScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.node(t, &model.Entity{ID: "ent_paris", Label: "Paris", EntityType: "LOC"})
	f.vector(t, "ent_paris", []float32{0, 0, 1})
	for i := range 4 {
		id := model.NodeID(fmt.Sprintf("msg_%d", i))
		f.node(t, &model.Message{ID: id, ChatID: "chat_1"})
		f.vector(t, id, []float32{1, float32(i) * 0.1, 0})
		f.edge(&model.Edge{ID: model.EdgeID(fmt.Sprintf("edge_%d", i)), From: id, To: "ent_paris", Type: model.EdgeMentions})
	}
	f.node(t, &model.Message{ID: "msg_other", ChatID: "chat_1"})
	f.vector(t, "msg_other", []float32{1, 0, 0})

	res, err := f.eng.Execute(ctx, ConvergedQuery{
		StructuralFilters: []StructuralFilter{structural.Eq(model.FieldNodeType, string(model.KindMessage))},
		GraphFilter:       &GraphFilter{Start: "ent_paris", Direction: model.Inbound, EdgeType: model.EdgeMentions, Depth: 1},
		SemanticFilter:    &SemanticFilter{Vector: []float32{1, 0, 0}, TopK: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"msg_0", "msg_1", "msg_2", "msg_3"}, ids(res))

	// Graph filter alone; the start node is not part of the result.
	res, err = f.eng.Execute(ctx, ConvergedQuery{GraphFilter: &GraphFilter{Start: "msg_0", Direction: model.Both, Depth: 2}})
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"ent_paris", "msg_1", "msg_2", "msg_3"}, ids(res))
}

func TestDanglingIDsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, &model.Message{ID: "msg_1"})
	f.node(t, &model.Entity{ID: "ent_gone"})
	f.edge(&model.Edge{ID: "edge_1", From: "msg_1", To: "ent_gone", Type: model.EdgeMentions})

	delete(f.store.nodes, "ent_gone")
	f.idx.RemoveNode("ent_gone")

	res, err := f.eng.Execute(ctx, ConvergedQuery{GraphFilter: &GraphFilter{Start: "msg_1", Direction: model.Outbound, Depth: 3}})
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = f.eng.ShortestPath(ctx, "msg_1", "ent_gone", model.Outbound, "", 2)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInvalidQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.MaxCandidates = 2 })
	for i := range 3 {
		f.node(t, &model.Chat{ID: model.NodeID(fmt.Sprintf("chat_%d", i))})
	}

	tests := []struct {
		name string
		q    ConvergedQuery
	}{
		{"empty", ConvergedQuery{}},
		{"negative limit", ConvergedQuery{StructuralFilters: []StructuralFilter{structural.Eq("title", "x")}, Limit: -1}},
		{"zero depth", ConvergedQuery{GraphFilter: &GraphFilter{Start: "chat_0", Depth: 0}}},
		{"no start", ConvergedQuery{GraphFilter: &GraphFilter{Depth: 1}}},
		{"zero top k", ConvergedQuery{SemanticFilter: &SemanticFilter{Vector: []float32{1}}}},
		{"no vector", ConvergedQuery{SemanticFilter: &SemanticFilter{TopK: 1}}},
		{"bad operator", ConvergedQuery{StructuralFilters: []StructuralFilter{{Field: "title", Operator: "~", Value: "x"}}}},
		{"too many candidates", ConvergedQuery{StructuralFilters: []StructuralFilter{structural.Eq(model.FieldNodeType, string(model.KindChat))}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.Execute(ctx, tc.q)
			assert.ErrorIs(t, err, model.ErrInvalidOperation)
		})
	}
}

func TestShortestPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, &model.Message{ID: "msg_1"})
	f.node(t, &model.Entity{ID: "ent_1"})
	f.node(t, &model.Message{ID: "msg_2"})
	f.edge(&model.Edge{ID: "edge_1", From: "msg_1", To: "ent_1", Type: model.EdgeMentions})
	f.edge(&model.Edge{ID: "edge_2", From: "msg_2", To: "ent_1", Type: model.EdgeMentions})

	p, err := f.eng.ShortestPath(ctx, "msg_1", "msg_2", model.Both, model.EdgeMentions, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, model.NodeID("ent_1"), p.Nodes[1].NodeID())
	assert.Equal(t, model.EdgeID("edge_2"), p.Edges[1].ID)

	_, err = f.eng.ShortestPath(ctx, "msg_1", "msg_2", model.Outbound, "", 3)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.eng.ShortestPath(ctx, "msg_1", "msg_2", model.Both, "", 0)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}
