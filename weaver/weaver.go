// Package weaver enriches the knowledge graph in the background.
//
// The storage layer reports every committed mutation as an event. The Weaver
// maps events to scheduler tasks: embeddings for new content, entity
// extraction for messages, associative links between similar content, chat
// summaries and deferred indexing. Handlers re-read their target before
// writing, so a task whose node was deleted in the meantime does nothing.
package weaver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/ml"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/scheduler"
)

// Store is the storage surface the Weaver reads and writes through.
type Store interface {
	InsertNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, id model.NodeID) (model.Node, error)
	SetEmbeddingRef(ctx context.Context, id model.NodeID, embID model.EmbeddingID) (bool, error)
	DeleteNode(ctx context.Context, id model.NodeID) (model.Node, error)
	InsertEdge(ctx context.Context, e *model.Edge) error
	HasEdge(ctx context.Context, from, to model.NodeID, typ model.EdgeType) (bool, error)
	EmbeddingForNode(ctx context.Context, id model.NodeID) (*model.Embedding, error)
	UpsertEmbedding(ctx context.Context, emb *model.Embedding) (bool, error)
	MessagesByChat(ctx context.Context, chatID model.NodeID) ([]*model.Message, error)
	ReindexNode(ctx context.Context, id model.NodeID) error
	ReindexEmbedding(ctx context.Context, id model.NodeID) error
}

// Options configures a Weaver.
type Options struct {
	// QueueSize bounds the event queue.
	QueueSize int

	// SubmitTimeout is how long Submit waits on a full queue before dropping.
	SubmitTimeout time.Duration

	// SyncIndexing mirrors the storage option. When false the Weaver schedules
	// the index updates the storage layer skipped.
	SyncIndexing bool

	// SummaryThreshold is the number of messages between chat summaries.
	SummaryThreshold int

	// SummaryWindow is the number of most recent messages a summary covers.
	SummaryWindow int

	// AssociativeK is the number of neighbors searched for associative links.
	AssociativeK int

	// AssociativeThreshold is the minimum similarity of an associative link.
	AssociativeThreshold float32

	// MaxAssociativeLinks bounds the links created per node.
	MaxAssociativeLinks int

	Logger *slog.Logger
}

// DefaultOptions contains the default Weaver options.
var DefaultOptions = Options{
	QueueSize:            1024,
	SubmitTimeout:        50 * time.Millisecond,
	SyncIndexing:         true,
	SummaryThreshold:     20,
	SummaryWindow:        20,
	AssociativeK:         6,
	AssociativeThreshold: 0.85,
	MaxAssociativeLinks:  3,
}

// Stats reports event queue counters.
type Stats struct {
	Queued     int
	Dispatched uint64
	Dropped    uint64
}

// Weaver turns storage events into enrichment tasks. It is safe for concurrent use.
type Weaver struct {
	store  Store
	idx    *index.Set
	ml     ml.Capability
	sched  *scheduler.Scheduler
	opts   Options
	logger *slog.Logger

	events chan model.Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	dispatched atomic.Uint64
	dropped    atomic.Uint64

	chatMu     sync.Mutex
	chatCounts map[model.NodeID]int

	embeddings singleflight.Group

	entityMu sync.Mutex
	entities map[entityKey]model.NodeID

	// linkMu serializes the check and insert of associative links.
	linkMu sync.Mutex
}

type entityKey struct {
	label, typ string
}

var _ model.EventSink = (*Weaver)(nil)

// New creates a Weaver and registers its task handlers on sched.
func New(store Store, idx *index.Set, capability ml.Capability, sched *scheduler.Scheduler, optFns ...func(o *Options)) *Weaver {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.SubmitTimeout < 0 {
		opts.SubmitTimeout = 0
	}
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = DefaultOptions.SummaryThreshold
	}
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = opts.SummaryThreshold
	}
	if opts.AssociativeK <= 0 {
		opts.AssociativeK = DefaultOptions.AssociativeK
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	w := &Weaver{
		store:      store,
		idx:        idx,
		ml:         capability,
		sched:      sched,
		opts:       opts,
		logger:     opts.Logger,
		events:     make(chan model.Event, opts.QueueSize),
		done:       make(chan struct{}),
		chatCounts: make(map[model.NodeID]int),
		entities:   make(map[entityKey]model.NodeID),
	}

	sched.Handle(scheduler.GenerateEmbedding, w.generateEmbedding)
	sched.Handle(scheduler.ExtractEntities, w.extractEntities)
	sched.Handle(scheduler.LinkEntities, w.linkEntities)
	sched.Handle(scheduler.CreateAssociativeLinks, w.createAssociativeLinks)
	sched.Handle(scheduler.GenerateSummary, w.generateSummary)
	sched.Handle(scheduler.IndexNode, w.indexNode)
	sched.Handle(scheduler.UpdateVectorIndex, w.updateVectorIndex)
	return w
}

// Submit enqueues an event without blocking the caller for longer than
// SubmitTimeout. Events that do not fit are dropped.
func (w *Weaver) Submit(e model.Event) {
	select {
	case <-w.done:
		w.drop(e, "weaver stopped")
		return
	case w.events <- e:
		return
	default:
	}

	if w.opts.SubmitTimeout == 0 {
		w.drop(e, "queue full")
		return
	}
	timer := time.NewTimer(w.opts.SubmitTimeout)
	defer timer.Stop()
	select {
	case w.events <- e:
	case <-w.done:
		w.drop(e, "weaver stopped")
	case <-timer.C:
		w.drop(e, "queue full")
	}
}

func (w *Weaver) drop(e model.Event, reason string) {
	w.dropped.Add(1)
	w.logger.Warn("event dropped", "event", e.Key(), "reason", reason)
}

// Start launches the dispatcher.
func (w *Weaver) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case e := <-w.events:
				w.dispatch(ctx, e)
			}
		}
	}()
}

// Stop stops the dispatcher. Queued events are discarded; tasks already handed
// to the scheduler are not affected.
func (w *Weaver) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Stats returns queue counters.
func (w *Weaver) Stats() Stats {
	return Stats{
		Queued:     len(w.events),
		Dispatched: w.dispatched.Load(),
		Dropped:    w.dropped.Load(),
	}
}

func (w *Weaver) schedule(ctx context.Context, kind scheduler.Kind, p scheduler.Priority, target model.NodeID, payload any) {
	err := w.sched.Submit(&scheduler.Task{Kind: kind, Priority: p, Target: target, Payload: payload})
	if err != nil {
		w.logger.WarnContext(ctx, "schedule task", "kind", kind, "target", target, "error", err)
	}
}

func (w *Weaver) dispatch(ctx context.Context, e model.Event) {
	w.dispatched.Add(1)
	w.logger.DebugContext(ctx, "dispatch event", "event", e.Key())

	switch e := e.(type) {
	case model.NodeCreated:
		if !w.opts.SyncIndexing {
			w.schedule(ctx, scheduler.IndexNode, scheduler.Normal, e.ID, nil)
		}
		switch e.Kind {
		case model.KindMessage:
			w.schedule(ctx, scheduler.GenerateEmbedding, scheduler.Normal, e.ID, nil)
			w.schedule(ctx, scheduler.ExtractEntities, scheduler.Normal, e.ID, nil)
			w.countMessage(ctx, e.ID)
		case model.KindEntity, model.KindSummary, model.KindScrapedPage, model.KindWebSearch, model.KindAudioTranscript:
			w.schedule(ctx, scheduler.GenerateEmbedding, scheduler.Low, e.ID, nil)
		}
	case model.NodeUpdated:
		if !w.opts.SyncIndexing {
			w.schedule(ctx, scheduler.IndexNode, scheduler.Normal, e.ID, nil)
		}
		if embeddable(e.Kind) {
			w.schedule(ctx, scheduler.GenerateEmbedding, scheduler.Low, e.ID, nil)
		}
	case model.EmbeddingCreated:
		if !w.opts.SyncIndexing {
			w.schedule(ctx, scheduler.UpdateVectorIndex, scheduler.Normal, e.NodeID, nil)
		}
		if w.associative(ctx, e.NodeID) {
			w.schedule(ctx, scheduler.CreateAssociativeLinks, scheduler.Low, e.NodeID, nil)
		}
	case model.EmbeddingUpdated:
		if !w.opts.SyncIndexing {
			w.schedule(ctx, scheduler.UpdateVectorIndex, scheduler.Normal, e.NodeID, nil)
		}
	case model.ChatUpdated:
		if e.MessageCount > 0 && e.MessageCount%w.opts.SummaryThreshold == 0 {
			w.schedule(ctx, scheduler.GenerateSummary, scheduler.Batch, e.ChatID, nil)
		}
	case model.NodeDeleted, model.EdgeCreated, model.EdgeDeleted:
	}
}

func embeddable(kind model.NodeKind) bool {
	switch kind {
	case model.KindMessage, model.KindSummary, model.KindEntity, model.KindScrapedPage,
		model.KindWebSearch, model.KindAudioTranscript:
		return true
	default:
		return false
	}
}

func associativeKind(kind model.NodeKind) bool {
	return kind == model.KindMessage || kind == model.KindSummary || kind == model.KindScrapedPage
}

func (w *Weaver) associative(ctx context.Context, id model.NodeID) bool {
	n, err := w.store.GetNode(ctx, id)
	if err != nil {
		return false
	}
	return associativeKind(n.Kind())
}

// countMessage tracks the message count of the chat a new message belongs to
// and feeds the resulting ChatUpdated event back into the dispatcher.
func (w *Weaver) countMessage(ctx context.Context, id model.NodeID) {
	n, err := w.store.GetNode(ctx, id)
	if err != nil {
		return
	}
	msg, ok := n.(*model.Message)
	if !ok || msg.ChatID == "" {
		return
	}

	w.chatMu.Lock()
	count, ok := w.chatCounts[msg.ChatID]
	if ok {
		count++
	} else {
		// Later messages may already be stored, so count up to this one.
		msgs, err := w.store.MessagesByChat(ctx, msg.ChatID)
		if err != nil {
			w.chatMu.Unlock()
			w.logger.WarnContext(ctx, "count chat messages", "chat", msg.ChatID, "error", err)
			return
		}
		count = len(msgs)
		for i, m := range msgs {
			if m.ID == msg.ID {
				count = i + 1
				break
			}
		}
	}
	w.chatCounts[msg.ChatID] = count
	w.chatMu.Unlock()

	w.dispatch(ctx, model.ChatUpdated{ChatID: msg.ChatID, MessageCount: count})
}
