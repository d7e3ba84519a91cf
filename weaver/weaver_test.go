package weaver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/ml"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/scheduler"
	"github.com/hupe1980/loom/storage"
)

const dim = 32

type fixture struct {
	db    *storage.Coordinator
	sched *scheduler.Scheduler
	w     *Weaver
}

func newFixture(t *testing.T, syncIndexing bool, optFns ...func(o *Options)) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, t.TempDir(), func(o *storage.CoordinatorOptions) {
		o.Manager = append(o.Manager, func(o *storage.Options) { o.SyncIndexing = syncIndexing })
	})
	require.NoError(t, err)

	sched := scheduler.New(func(o *scheduler.Options) {
		o.Workers = 4
		o.PollInterval = 5 * time.Millisecond
	})
	sched.SetLevel(scheduler.ActivityLow)

	mock := ml.NewMock(func(o *ml.MockOptions) { o.Dimension = dim })
	w := New(db, db.Index(), mock, sched, append([]func(o *Options){func(o *Options) { o.SyncIndexing = syncIndexing }}, optFns...)...)
	db.SetEventSink(w)
	w.Start(ctx)
	sched.Start(ctx)

	t.Cleanup(func() {
		w.Stop()
		_ = sched.Stop(context.Background())
		_ = db.Close()
	})
	return &fixture{db: db, sched: sched, w: w}
}

// settle waits until no event or task is pending for two consecutive polls.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	idle := func() bool {
		st := f.sched.Stats()
		return f.w.Stats().Queued == 0 && f.sched.Len() == 0 && st.Running == 0
	}
	require.Eventually(t, func() bool {
		if !idle() {
			return false
		}
		time.Sleep(20 * time.Millisecond)
		return idle()
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *fixture) entities(t *testing.T) map[string]model.NodeID {
	t.Helper()
	out := map[string]model.NodeID{}
	for n, err := range f.db.ScanNodes(context.Background(), model.KindEntity) {
		require.NoError(t, err)
		e := n.(*model.Entity)
		out[e.Label] = e.ID
	}
	return out
}

func TestEntityScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.db.InsertNode(ctx, &model.Chat{ID: "chat_1", Title: "Trip"}))
	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_1", ChatID: "chat_1", Sender: "user", Content: "Alice met Bob in Paris", Timestamp: 1}))

	require.Eventually(t, func() bool {
		edges, err := f.db.EdgesOf(ctx, "msg_1", model.Outbound, model.EdgeMentions)
		return err == nil && len(edges) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	f.settle(t)

	ents := f.entities(t)
	assert.Len(t, ents, 3)
	for _, label := range []string{"Alice", "Bob", "Paris"} {
		require.Contains(t, ents, label)
		ok, err := f.db.HasEdge(ctx, "msg_1", ents[label], model.EdgeMentions)
		require.NoError(t, err)
		assert.True(t, ok, label)
	}

	// The message got its embedding and points at it.
	emb, err := f.db.EmbeddingForNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, dim)
	n, err := f.db.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, emb.ID, n.(*model.Message).EmbeddingID)

	// A second message reuses the existing entities.
	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_2", ChatID: "chat_1", Content: "Bob loves Paris", Timestamp: 2}))
	require.Eventually(t, func() bool {
		edges, err := f.db.EdgesOf(ctx, "msg_2", model.Outbound, model.EdgeMentions)
		return err == nil && len(edges) == 2
	}, 5*time.Second, 10*time.Millisecond)
	f.settle(t)
	assert.Len(t, f.entities(t), 3)

	// Entities can be queried through the graph.
	in, err := f.db.EdgesOf(ctx, ents["Paris"], model.Inbound, model.EdgeMentions)
	require.NoError(t, err)
	assert.Len(t, in, 2)
}

func TestEmbeddingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_1", Content: "hello world"}))
	require.Eventually(t, func() bool {
		_, err := f.db.EmbeddingForNode(ctx, "msg_1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	f.settle(t)

	first, err := f.db.EmbeddingForNode(ctx, "msg_1")
	require.NoError(t, err)

	for range 3 {
		f.w.Submit(model.NodeCreated{ID: "msg_1", Kind: model.KindMessage})
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.w.generateEmbedding(ctx, &scheduler.Task{Kind: scheduler.GenerateEmbedding, Target: "msg_1"}))
		}()
	}
	wg.Wait()
	f.settle(t)

	again, err := f.db.EmbeddingForNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.SourceHash, again.SourceHash)

	counts, err := f.db.Counts(ctx)
	require.NoError(t, err)
	// The text names no entity, so the message holds the only embedding.
	assert.Equal(t, 1, counts.Embeddings)

	// Changing the text replaces the vector under the same id.
	n, err := f.db.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	msg := n.(*model.Message)
	msg.Content = "goodbye moon"
	require.NoError(t, f.db.UpdateNode(ctx, msg))
	require.Eventually(t, func() bool {
		e, err := f.db.EmbeddingForNode(ctx, "msg_1")
		return err == nil && e.SourceHash != first.SourceHash
	}, 5*time.Second, 10*time.Millisecond)
	e, err := f.db.EmbeddingForNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, e.ID)
}

func TestAssociativeLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_1", Content: "the weather is nice today"}))
	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_2", Content: "the weather is nice today!"}))
	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_3", Content: "quarterly revenue projections"}))

	require.Eventually(t, func() bool {
		a, _ := f.db.HasEdge(ctx, "msg_1", "msg_2", model.EdgeSemanticallyAlike)
		b, _ := f.db.HasEdge(ctx, "msg_2", "msg_1", model.EdgeSemanticallyAlike)
		return a || b
	}, 5*time.Second, 10*time.Millisecond)
	f.settle(t)

	for _, id := range []model.NodeID{"msg_1", "msg_2", "msg_3"} {
		edges, err := f.db.EdgesOf(ctx, id, model.Outbound, model.EdgeSemanticallyAlike)
		require.NoError(t, err)
		for _, e := range edges {
			assert.NotEqual(t, "msg_3", string(e.To))
			assert.NotEqual(t, e.From, e.To)
		}
	}
	both, err := f.db.EdgesOf(ctx, "msg_1", model.Both, model.EdgeSemanticallyAlike)
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestChatSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, func(o *Options) { o.SummaryThreshold = 3 })

	require.NoError(t, f.db.InsertNode(ctx, &model.Chat{ID: "chat_1", Title: "Standup"}))
	for i := range 3 {
		require.NoError(t, f.db.InsertNode(ctx, &model.Message{
			ID:        model.NodeID(fmt.Sprintf("msg_%d", i)),
			ChatID:    "chat_1",
			Content:   fmt.Sprintf("update number %d", i),
			Timestamp: int64(i),
		}))
	}

	var sum *model.Summary
	require.Eventually(t, func() bool {
		for n, err := range f.db.ScanNodes(ctx, model.KindSummary) {
			if err == nil {
				sum = n.(*model.Summary)
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	f.settle(t)

	assert.Equal(t, model.NodeID("chat_1"), sum.ChatID)
	assert.Equal(t, []model.NodeID{"msg_0", "msg_1", "msg_2"}, sum.MessageIDs)
	assert.Contains(t, sum.Content, "update number 0")
	assert.Contains(t, sum.Content, "update number 2")

	ok, err := f.db.HasEdge(ctx, sum.ID, "chat_1", model.EdgeSummarizes)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAsyncIndexing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.db.InsertNode(ctx, &model.Message{ID: "msg_1", Sender: "alice", Content: "Alice says hi"}))
	require.Eventually(t, func() bool {
		b, err := f.db.Index().Filter(structural.Eq("sender", "alice"))
		return err == nil && b.GetCardinality() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.db.Index().HasVector("msg_1") }, 5*time.Second, 10*time.Millisecond)
	f.settle(t)

	// The entity created by the weaver was indexed too, so it is found again.
	b, err := f.db.Index().Filter(structural.Eq("label", "Alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.GetCardinality())
}

func TestHandlersSkipMissingTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	task := &scheduler.Task{Target: "msg_gone"}

	assert.NoError(t, f.w.generateEmbedding(ctx, task))
	assert.NoError(t, f.w.extractEntities(ctx, task))
	assert.NoError(t, f.w.createAssociativeLinks(ctx, task))
	assert.NoError(t, f.w.generateSummary(ctx, task))

	task.Payload = []ml.Entity{{Text: "Paris", Label: "GPE"}}
	assert.NoError(t, f.w.linkEntities(ctx, task))
	assert.Empty(t, f.entities(t))

	task.Payload = "not entities"
	assert.True(t, scheduler.IsPermanent(f.w.linkEntities(ctx, task)))

	// A deleted chat keeps its messages, but gets no summary.
	require.NoError(t, f.db.InsertNode(ctx, &model.Chat{ID: "chat_1", Title: "Gone"}))
	for i := range 3 {
		require.NoError(t, f.db.InsertNode(ctx, &model.Message{
			ID:        model.NodeID(fmt.Sprintf("msg_%d", i)),
			ChatID:    "chat_1",
			Content:   fmt.Sprintf("note %d", i),
			Timestamp: int64(i),
		}))
	}
	_, err := f.db.DeleteNode(ctx, "chat_1")
	require.NoError(t, err)
	f.settle(t)

	msgs, err := f.db.MessagesByChat(ctx, "chat_1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NoError(t, f.w.generateSummary(ctx, &scheduler.Task{Kind: scheduler.GenerateSummary, Target: "chat_1"}))
	var summaries int
	for _, err := range f.db.ScanNodes(ctx, model.KindSummary) {
		assert.NoError(t, err)
		summaries++
	}
	assert.Zero(t, summaries)

	err = f.w.generateSummary(ctx, &scheduler.Task{Kind: scheduler.GenerateSummary, Target: "msg_0"})
	assert.True(t, scheduler.IsPermanent(err))
}

// editingStore applies edit right before the weaver writes the embedding
// reference back, as if a user updated the node meanwhile.
type editingStore struct {
	*storage.Coordinator
	edit func()
}

func (s *editingStore) SetEmbeddingRef(ctx context.Context, id model.NodeID, embID model.EmbeddingID) (bool, error) {
	if s.edit != nil {
		s.edit()
		s.edit = nil
	}
	return s.Coordinator.SetEmbeddingRef(ctx, id, embID)
}

func TestEmbeddingRefKeepsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := &editingStore{Coordinator: db}
	mock := ml.NewMock(func(o *ml.MockOptions) { o.Dimension = dim })
	w := New(store, db.Index(), mock, scheduler.New())

	require.NoError(t, db.InsertNode(ctx, &model.Message{ID: "msg_1", Content: "original"}))
	store.edit = func() {
		n, err := db.GetNode(ctx, "msg_1")
		require.NoError(t, err)
		msg := n.(*model.Message)
		msg.Content = "edited by user"
		require.NoError(t, db.UpdateNode(ctx, msg))
	}

	require.NoError(t, w.embed(ctx, &scheduler.Task{Kind: scheduler.GenerateEmbedding, Target: "msg_1"}))

	n, err := db.GetNode(ctx, "msg_1")
	require.NoError(t, err)
	msg := n.(*model.Message)
	assert.Equal(t, "edited by user", msg.Content)

	emb, err := db.EmbeddingForNode(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, emb.ID, msg.EmbeddingID)

	changed, err := db.SetEmbeddingRef(ctx, "msg_1", emb.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLinkEntitiesPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	require.NoError(t, f.db.InsertNode(ctx, &model.ScrapedPage{ID: "page_1", URL: "https://example.com"}))

	ents := []ml.Entity{{Text: "Paris", Label: "GPE"}, {Text: "Paris", Label: "GPE"}, {Text: "Paris", Label: "PERSON"}}
	require.NoError(t, f.w.linkEntities(ctx, &scheduler.Task{Target: "page_1", Payload: ents}))
	require.NoError(t, f.w.linkEntities(ctx, &scheduler.Task{Target: "page_1", Payload: ents}))

	edges, err := f.db.EdgesOf(ctx, "page_1", model.Outbound, model.EdgeMentions)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

type unavailable struct{ *ml.Mock }

func (unavailable) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: circuit open", ml.ErrUnavailable)
}

func TestUnavailableModelIsPermanent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	w := New(f.db, f.db.Index(), unavailable{ml.NewMock()}, scheduler.New())

	require.NoError(t, f.db.InsertNode(ctx, &model.Entity{ID: "ent_1", Label: "Paris"}))
	err := w.embed(ctx, &scheduler.Task{Target: "ent_1"})
	require.Error(t, err)
	assert.True(t, scheduler.IsPermanent(err))
}

func TestDispatchMapping(t *testing.T) {
	ctx := context.Background()
	sched := scheduler.New()
	w := New(nil, nil, ml.NewMock(), sched, func(o *Options) {
		o.SyncIndexing = false
		o.SummaryThreshold = 20
	})

	w.dispatch(ctx, model.NodeCreated{ID: "chat_1", Kind: model.KindChat})
	w.dispatch(ctx, model.ChatUpdated{ChatID: "chat_1", MessageCount: 19})
	w.dispatch(ctx, model.ChatUpdated{ChatID: "chat_1", MessageCount: 20})
	w.dispatch(ctx, model.ChatUpdated{ChatID: "chat_1", MessageCount: 40})
	w.dispatch(ctx, model.EmbeddingUpdated{ID: "emb_1", NodeID: "ent_1"})
	w.dispatch(ctx, model.NodeUpdated{ID: "ent_1", Kind: model.KindEntity})
	w.dispatch(ctx, model.NodeUpdated{ID: "bm_1", Kind: model.KindBookmark})
	w.dispatch(ctx, model.EdgeCreated{ID: "edge_1"})

	st := sched.Stats()
	assert.Equal(t, 2, st.Queued[scheduler.Batch])
	// IndexNode for the chat, the entity and the bookmark plus UpdateVectorIndex.
	assert.Equal(t, 4, st.Queued[scheduler.Normal])
	assert.Equal(t, 1, st.Queued[scheduler.Low])
	assert.Equal(t, uint64(8), w.Stats().Dispatched)
}

func TestSubmitDropsWhenFull(t *testing.T) {
	sched := scheduler.New()
	w := New(nil, nil, ml.NewMock(), sched, func(o *Options) {
		o.QueueSize = 1
		o.SubmitTimeout = time.Millisecond
	})

	w.Submit(model.NodeDeleted{ID: "msg_1"})
	w.Submit(model.NodeDeleted{ID: "msg_2"})
	st := w.Stats()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, uint64(1), st.Dropped)

	w.Stop()
	w.Submit(model.NodeDeleted{ID: "msg_3"})
	assert.Equal(t, uint64(2), w.Stats().Dropped)
}
