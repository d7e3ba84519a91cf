package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

func openCoordinator(t *testing.T, dir string, optFns ...func(o *CoordinatorOptions)) *Coordinator {
	t.Helper()
	c, err := Open(context.Background(), dir, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCoordinatorRoutesByKind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openCoordinator(t, dir)

	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Content: "hi"}))
	require.NoError(t, c.InsertNode(ctx, &model.Entity{ID: "ent_1", Label: "Paris"}))
	require.NoError(t, c.InsertNode(ctx, &model.Summary{ID: "sum_1", ChatID: "chat_1"}))
	require.NoError(t, c.InsertEdge(ctx, &model.Edge{ID: "edge_1", From: "msg_1", To: "ent_1", Type: model.EdgeMentions}))
	require.NoError(t, c.InsertEmbedding(ctx, &model.Embedding{ID: "emb_1", NodeID: "msg_1", Vector: []float32{1, 0}}))

	for _, p := range []string{"conversations/active", "knowledge/active", "summaries/active", "embeddings/active"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}
	_, err := os.Stat(filepath.Join(dir, "meta"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, c.InsertNode(ctx, &model.Message{ID: "ent_1"}), model.ErrInvalidOperation)

	// Ids without a recognizable prefix are still found.
	require.NoError(t, c.InsertNode(ctx, &model.Bookmark{ID: "n1", URL: "https://example.com"}))
	n, err := c.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.KindBookmark, n.Kind())

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Nodes[model.KindMessage])
	assert.Equal(t, 1, counts.Nodes[model.KindEntity])
	assert.Equal(t, 1, counts.Edges)
	assert.Equal(t, 1, counts.Embeddings)

	size, err := c.SizeOnDisk()
	require.NoError(t, err)
	assert.Positive(t, size)
	require.NoError(t, c.Flush(ctx))
}

func TestCoordinatorEdgeNeedsEndpoints(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, t.TempDir())

	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1"}))
	err := c.InsertEdge(ctx, &model.Edge{ID: "edge_1", From: "msg_1", To: "ent_x", Type: model.EdgeMentions})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.GetEdge(ctx, "edge_1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCoordinatorDeleteKeepsEdgesDropsEmbedding(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, t.TempDir())

	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1"}))
	require.NoError(t, c.InsertNode(ctx, &model.Entity{ID: "ent_1", Label: "Paris"}))
	require.NoError(t, c.InsertEdge(ctx, &model.Edge{ID: "edge_1", From: "msg_1", To: "ent_1", Type: model.EdgeMentions}))
	require.NoError(t, c.InsertEmbedding(ctx, &model.Embedding{ID: "emb_1", NodeID: "ent_1", Vector: []float32{0, 1}}))

	_, err := c.DeleteNode(ctx, "ent_1")
	require.NoError(t, err)

	edges, err := c.EdgesOf(ctx, "msg_1", model.Outbound, "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	_, err = c.GetNode(ctx, edges[0].To)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.GetEmbedding(ctx, "emb_1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, c.Index().HasVector("ent_1"))
}

func TestCoordinatorTierFallbackAndMove(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, t.TempDir())

	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Timestamp: 1}))
	require.NoError(t, c.Move(ctx, "msg_1", model.Active, model.Archive))

	n, err := c.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeID("msg_1"), n.NodeID())
	assert.NotNil(t, c.Manager(model.Partition{Type: model.Conversations, Tier: model.Archive}))

	_, err = c.Manager(model.Partition{Type: model.Conversations, Tier: model.Active}).GetNode(ctx, "msg_1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	msgs, err := c.MessagesByChat(ctx, "chat_1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Updates land in the tier holding the node.
	require.NoError(t, c.UpdateNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Content: "edited", Timestamp: 1}))
	n, err = c.Manager(model.Partition{Type: model.Conversations, Tier: model.Archive}).GetNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "edited", n.(*model.Message).Content)

	assert.ErrorIs(t, c.Move(ctx, "msg_1", model.Active, model.Active), model.ErrInvalidOperation)
	assert.ErrorIs(t, c.Move(ctx, "msg_1", model.Active, model.Recent), model.ErrNotFound)
	assert.ErrorIs(t, c.Move(ctx, "msg_1", model.Archive, model.Stable), model.ErrInvalidOperation)
}

// hookEngine runs onBegin once, right before the next transaction starts.
type hookEngine struct {
	kv.Engine
	onBegin func()
}

func (e *hookEngine) Begin(ctx context.Context) (kv.Txn, error) {
	if f := e.onBegin; f != nil {
		e.onBegin = nil
		f()
	}
	return e.Engine.Begin(ctx)
}

func TestCoordinatorMoveKeepsConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	engines := map[string]*hookEngine{}
	c := openCoordinator(t, dir, func(o *CoordinatorOptions) {
		o.OpenEngine = func(path string) (kv.Engine, error) {
			e, err := OpenEngine(path)
			if err != nil {
				return nil, err
			}
			h := &hookEngine{Engine: e}
			engines[path] = h
			return h, nil
		}
	})

	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Content: "v1", Timestamp: 1}))
	active := engines[PartitionDir(dir, model.Partition{Type: model.Conversations, Tier: model.Active})]
	require.NotNil(t, active)

	// The update lands after Move read the node and copied it to the target tier.
	active.onBegin = func() {
		require.NoError(t, c.UpdateNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Content: "v2", Timestamp: 1}))
	}
	assert.ErrorIs(t, c.Move(ctx, "msg_1", model.Active, model.Recent), model.ErrInvalidOperation)

	n, err := c.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "v2", n.(*model.Message).Content)

	recent := c.Manager(model.Partition{Type: model.Conversations, Tier: model.Recent})
	require.NotNil(t, recent)
	_, err = recent.GetNode(ctx, "msg_1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Without interference the move goes through and keeps the latest version.
	require.NoError(t, c.Move(ctx, "msg_1", model.Active, model.Recent))
	n, err = recent.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "v2", n.(*model.Message).Content)
}

func TestCoordinatorRotateTiers(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, t.TempDir())

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_new", Timestamp: now.Add(-day).UnixMilli()}))
	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_week", Timestamp: now.Add(-10 * day).UnixMilli()}))
	require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_old", Timestamp: now.Add(-100 * day).UnixMilli()}))
	require.NoError(t, c.InsertNode(ctx, &model.Entity{ID: "ent_1", Label: "timeless"}))

	moved, err := c.RotateTiers(ctx, now, 7*day, 90*day)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	tierOf := func(id model.NodeID) model.Tier {
		for _, tier := range model.Tiers(model.Conversations) {
			m := c.Manager(model.Partition{Type: model.Conversations, Tier: tier})
			if m == nil {
				continue
			}
			if _, err := m.GetNode(ctx, id); err == nil {
				return tier
			}
		}
		t.Fatalf("node %s not found", id)
		return 0
	}
	assert.Equal(t, model.Active, tierOf("msg_new"))
	assert.Equal(t, model.Recent, tierOf("msg_week"))
	assert.Equal(t, model.Archive, tierOf("msg_old"))

	// A second rotation later moves the recent node on.
	moved, err = c.RotateTiers(ctx, now.Add(85*day), 7*day, 90*day)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, model.Archive, tierOf("msg_week"))
	assert.Equal(t, model.Recent, tierOf("msg_new"))

	_, err = c.RotateTiers(ctx, now, 0, day)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestCoordinatorReopenRebuildsIndexes(t *testing.T) {
	for _, backend := range []string{BackendLogstore, BackendBoltstore} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			withBackend := func(o *CoordinatorOptions) { o.Backend = backend }

			c, err := Open(ctx, dir, withBackend)
			require.NoError(t, err)
			require.NoError(t, c.InsertNode(ctx, &model.Message{ID: "msg_1", Sender: "alice"}))
			require.NoError(t, c.InsertNode(ctx, &model.Entity{ID: "ent_1", Label: "Paris"}))
			require.NoError(t, c.InsertEdge(ctx, &model.Edge{ID: "edge_1", From: "msg_1", To: "ent_1", Type: model.EdgeMentions}))
			require.NoError(t, c.InsertEmbedding(ctx, &model.Embedding{ID: "emb_1", NodeID: "msg_1", Vector: []float32{1, 0}}))
			require.NoError(t, c.Close())
			require.NoError(t, c.Close())

			c = openCoordinator(t, dir, withBackend)
			st := c.Index().Stats()
			assert.Equal(t, 2, st.Nodes)
			assert.Equal(t, 1, st.Edges)
			assert.Equal(t, 1, st.Vectors.Live)

			n, err := c.GetNode(ctx, "msg_1")
			require.NoError(t, err)
			assert.Equal(t, "alice", n.(*model.Message).Sender)
		})
	}
}

func TestCoordinatorUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), func(o *CoordinatorOptions) { o.Backend = "rocks" })
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestCoordinatorEvents(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, t.TempDir())
	rec := &recorder{}
	c.SetEventSink(rec)

	require.NoError(t, c.InsertNode(ctx, &model.Chat{ID: "chat_1"}))
	require.NoError(t, c.Move(ctx, "chat_1", model.Active, model.Recent))
	assert.Equal(t, []model.Event{model.NodeCreated{ID: "chat_1", Kind: model.KindChat}}, rec.all())
}
