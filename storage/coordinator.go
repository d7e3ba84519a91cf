package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/kv/boltstore"
	"github.com/hupe1980/loom/kv/logstore"
	"github.com/hupe1980/loom/model"
)

// Backend names accepted by CoordinatorOptions.Backend.
const (
	BackendLogstore  = logstore.Name
	BackendBoltstore = boltstore.Name
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Backend selects the engine of every partition.
	Backend string

	Logstore  []func(o *logstore.Options)
	Boltstore []func(o *boltstore.Options)

	// Manager options apply to every partition. Partition, Events and Lookup are
	// set by the Coordinator.
	Manager []func(o *Options)

	Index []func(o *index.Options)

	// OpenEngine overrides Backend.
	OpenEngine func(dir string) (kv.Engine, error)

	Logger *slog.Logger
}

// DefaultCoordinatorOptions contains the default Coordinator options.
var DefaultCoordinatorOptions = CoordinatorOptions{
	Backend: BackendLogstore,
}

// Coordinator groups Managers by partition and tier under one directory and
// shares one index set between them. Managers are opened lazily; a partition
// directory that exists on disk is opened at startup so its records are indexed.
type Coordinator struct {
	dir    string
	opts   CoordinatorOptions
	idx    *index.Set
	logger *slog.Logger

	mu       sync.RWMutex
	managers map[model.Partition]*Manager
	closed   bool

	eventsMu sync.RWMutex
	events   model.EventSink
}

// Open opens or creates a database directory.
func Open(ctx context.Context, dir string, optFns ...func(o *CoordinatorOptions)) (*Coordinator, error) {
	opts := DefaultCoordinatorOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.OpenEngine == nil {
		open, err := engineOpener(opts)
		if err != nil {
			return nil, err
		}
		opts.OpenEngine = open
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Backend("storage.Open", err)
	}

	c := &Coordinator{
		dir:      dir,
		opts:     opts,
		idx:      index.New(opts.Index...),
		logger:   opts.Logger,
		managers: make(map[model.Partition]*Manager),
		events:   model.DiscardEvents,
	}

	for _, p := range c.partitions() {
		if _, err := os.Stat(c.path(p)); err != nil {
			continue
		}
		if _, err := c.manager(ctx, p, true); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if err := c.RebuildIndexes(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// OpenEngine opens the engine of one partition directory the way Open does.
func OpenEngine(dir string, optFns ...func(o *CoordinatorOptions)) (kv.Engine, error) {
	opts := DefaultCoordinatorOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	open := opts.OpenEngine
	if open == nil {
		var err error
		if open, err = engineOpener(opts); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Backend("storage.OpenEngine", err)
	}
	return open(dir)
}

// PartitionDir returns the directory of p inside the database directory dir.
func PartitionDir(dir string, p model.Partition) string {
	return filepath.Join(dir, p.Type.String(), p.Tier.String())
}

func engineOpener(opts CoordinatorOptions) (func(dir string) (kv.Engine, error), error) {
	switch opts.Backend {
	case "", BackendLogstore:
		return func(dir string) (kv.Engine, error) { return logstore.Open(dir, opts.Logstore...) }, nil
	case BackendBoltstore:
		return func(dir string) (kv.Engine, error) { return boltstore.Open(dir, opts.Boltstore...) }, nil
	default:
		return nil, model.InvalidOperation("storage.Open", "unknown backend %q", opts.Backend)
	}
}

// SetEventSink routes the events of every Manager to sink.
func (c *Coordinator) SetEventSink(sink model.EventSink) {
	if sink == nil {
		sink = model.DiscardEvents
	}
	c.eventsMu.Lock()
	c.events = sink
	c.eventsMu.Unlock()
}

// Submit forwards e to the current sink.
func (c *Coordinator) Submit(e model.Event) {
	c.eventsMu.RLock()
	sink := c.events
	c.eventsMu.RUnlock()
	sink.Submit(e)
}

// Index returns the shared index set.
func (c *Coordinator) Index() *index.Set { return c.idx }

// Dir returns the database directory.
func (c *Coordinator) Dir() string { return c.dir }

func (c *Coordinator) partitions() []model.Partition {
	var out []model.Partition
	for _, d := range model.DatabaseTypes {
		for _, t := range model.Tiers(d) {
			out = append(out, model.Partition{Type: d, Tier: t})
		}
	}
	return out
}

func (c *Coordinator) path(p model.Partition) string {
	return PartitionDir(c.dir, p)
}

// Manager returns the Manager of p, or nil when the partition was never
// created.
func (c *Coordinator) Manager(p model.Partition) *Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.managers[p]
}

// Managers returns every open Manager in partition order.
func (c *Coordinator) Managers() []*Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Manager, 0, len(c.managers))
	for _, p := range c.partitions() {
		if m, ok := c.managers[p]; ok {
			out = append(out, m)
		}
	}
	return out
}

// manager returns the Manager of p. With create unset a partition that was never
// created yields nil.
func (c *Coordinator) manager(ctx context.Context, p model.Partition, create bool) (*Manager, error) {
	const op = "storage.Coordinator"
	if !model.HasTier(p.Type, p.Tier) {
		return nil, model.InvalidOperation(op, "partition %s has no tier %s", p.Type, p.Tier)
	}

	c.mu.RLock()
	m, ok := c.managers[p]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, model.Backend(op, kv.ErrClosed)
	}
	if ok || !create {
		return m, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.managers[p]; ok {
		return m, nil
	}

	dir := c.path(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Backend(op, err)
	}
	engine, err := c.opts.OpenEngine(dir)
	if err != nil {
		return nil, err
	}
	m, err = NewManager(ctx, engine, c.idx, append(slices.Clone(c.opts.Manager), func(o *Options) {
		o.Partition = p
		o.Events = c
		o.Lookup = c.lookup
		o.Logger = c.logger
	})...)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	c.managers[p] = m
	c.logger.Debug("opened partition", "partition", p.String(), "backend", engine.Name())
	return m, nil
}

func (c *Coordinator) lookup(ctx context.Context, id model.NodeID) error {
	_, _, err := c.locate(ctx, id)
	return err
}

// searchOrder lists the partitions that may hold id: the partition suggested by
// its prefix first, then the rest.
func (c *Coordinator) searchOrder(id model.NodeID) []model.DatabaseType {
	out := make([]model.DatabaseType, 0, len(model.DatabaseTypes))
	if kind, ok := model.KindHint(id); ok {
		out = append(out, model.PartitionOf(kind))
	}
	for _, d := range model.DatabaseTypes {
		if d != model.Embeddings && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// locate finds the Manager holding id, warm tiers first. A colder tier is only
// consulted when every warmer one reported NotFound.
func (c *Coordinator) locate(ctx context.Context, id model.NodeID) (*Manager, model.Node, error) {
	const op = "storage.GetNode"
	if err := model.ValidateNodeID(op, id); err != nil {
		return nil, nil, err
	}
	for _, d := range c.searchOrder(id) {
		for _, t := range model.Tiers(d) {
			m, err := c.manager(ctx, model.Partition{Type: d, Tier: t}, false)
			if err != nil {
				return nil, nil, err
			}
			if m == nil {
				continue
			}
			n, err := m.GetNode(ctx, id)
			if err == nil {
				return m, n, nil
			}
			if !model.IsNotFound(err) {
				return nil, nil, err
			}
		}
	}
	return nil, nil, model.NotFound(op, "node %s", id)
}

// InsertNode stores n in the active tier of its partition.
func (c *Coordinator) InsertNode(ctx context.Context, n model.Node) error {
	const op = "storage.InsertNode"
	if n == nil {
		return model.InvalidOperation(op, "nil node")
	}
	_, _, err := c.locate(ctx, n.NodeID())
	switch {
	case err == nil:
		return model.InvalidOperation(op, "node %s already exists", n.NodeID())
	case !model.IsNotFound(err):
		return err
	}
	m, err := c.manager(ctx, model.Partition{Type: model.PartitionOf(n.Kind()), Tier: model.Active}, true)
	if err != nil {
		return err
	}
	return m.InsertNode(ctx, n)
}

// GetNode returns the node with the given id from the warmest tier holding it.
func (c *Coordinator) GetNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	_, n, err := c.locate(ctx, id)
	return n, err
}

// UpdateNode replaces n in the tier that holds it.
func (c *Coordinator) UpdateNode(ctx context.Context, n model.Node) error {
	if n == nil {
		return model.InvalidOperation("storage.UpdateNode", "nil node")
	}
	m, _, err := c.locate(ctx, n.NodeID())
	if err != nil {
		return err
	}
	return m.UpdateNode(ctx, n)
}

// SetEmbeddingRef points a node at its embedding in the tier that holds it.
func (c *Coordinator) SetEmbeddingRef(ctx context.Context, id model.NodeID, embID model.EmbeddingID) (bool, error) {
	m, _, err := c.locate(ctx, id)
	if err != nil {
		return false, err
	}
	return m.SetEmbeddingRef(ctx, id, embID)
}

// DeleteNode removes a node and its embedding. Edges are kept.
func (c *Coordinator) DeleteNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	m, _, err := c.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := m.DeleteNode(ctx, id)
	if err != nil {
		return nil, err
	}

	em, err := c.embeddingManager(ctx, false)
	if err != nil || em == nil {
		return n, err
	}
	emb, err := em.EmbeddingForNode(ctx, id)
	if model.IsNotFound(err) {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	if _, err := em.DeleteEmbedding(ctx, emb.ID); err != nil && !model.IsNotFound(err) {
		return n, err
	}
	return n, nil
}

func (c *Coordinator) edgeManager(ctx context.Context, create bool) (*Manager, error) {
	return c.manager(ctx, model.Partition{Type: model.Knowledge, Tier: model.Active}, create)
}

func (c *Coordinator) embeddingManager(ctx context.Context, create bool) (*Manager, error) {
	return c.manager(ctx, model.Partition{Type: model.Embeddings, Tier: model.Active}, create)
}

// InsertEdge stores e in the knowledge partition.
func (c *Coordinator) InsertEdge(ctx context.Context, e *model.Edge) error {
	m, err := c.edgeManager(ctx, true)
	if err != nil {
		return err
	}
	return m.InsertEdge(ctx, e)
}

// GetEdge returns the edge with the given id.
func (c *Coordinator) GetEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error) {
	m, err := c.edgeManager(ctx, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NotFound("storage.GetEdge", "edge %s", id)
	}
	return m.GetEdge(ctx, id)
}

// DeleteEdge removes an edge.
func (c *Coordinator) DeleteEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error) {
	m, err := c.edgeManager(ctx, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NotFound("storage.DeleteEdge", "edge %s", id)
	}
	return m.DeleteEdge(ctx, id)
}

// EdgesOf returns the edges touching id.
func (c *Coordinator) EdgesOf(ctx context.Context, id model.NodeID, dir model.Direction, typ model.EdgeType) ([]*model.Edge, error) {
	m, err := c.edgeManager(ctx, false)
	if err != nil || m == nil {
		return nil, err
	}
	return m.EdgesOf(ctx, id, dir, typ)
}

// HasEdge reports whether an edge of type typ leads from one node to another.
func (c *Coordinator) HasEdge(ctx context.Context, from, to model.NodeID, typ model.EdgeType) (bool, error) {
	m, err := c.edgeManager(ctx, false)
	if err != nil || m == nil {
		return false, err
	}
	return m.HasEdge(ctx, from, to, typ)
}

// InsertEmbedding stores a new embedding.
func (c *Coordinator) InsertEmbedding(ctx context.Context, emb *model.Embedding) error {
	m, err := c.embeddingManager(ctx, true)
	if err != nil {
		return err
	}
	return m.InsertEmbedding(ctx, emb)
}

// UpsertEmbedding stores the single embedding of a node.
func (c *Coordinator) UpsertEmbedding(ctx context.Context, emb *model.Embedding) (bool, error) {
	m, err := c.embeddingManager(ctx, true)
	if err != nil {
		return false, err
	}
	return m.UpsertEmbedding(ctx, emb)
}

// GetEmbedding returns the embedding with the given id.
func (c *Coordinator) GetEmbedding(ctx context.Context, id model.EmbeddingID) (*model.Embedding, error) {
	m, err := c.embeddingManager(ctx, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NotFound("storage.GetEmbedding", "embedding %s", id)
	}
	return m.GetEmbedding(ctx, id)
}

// EmbeddingForNode returns the embedding owned by a node.
func (c *Coordinator) EmbeddingForNode(ctx context.Context, id model.NodeID) (*model.Embedding, error) {
	m, err := c.embeddingManager(ctx, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NotFound("storage.EmbeddingForNode", "embedding of node %s", id)
	}
	return m.EmbeddingForNode(ctx, id)
}

// DeleteEmbedding removes an embedding.
func (c *Coordinator) DeleteEmbedding(ctx context.Context, id model.EmbeddingID) (*model.Embedding, error) {
	m, err := c.embeddingManager(ctx, false)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, model.NotFound("storage.DeleteEmbedding", "embedding %s", id)
	}
	return m.DeleteEmbedding(ctx, id)
}

// ReindexNode refreshes the index entry of id from storage.
func (c *Coordinator) ReindexNode(ctx context.Context, id model.NodeID) error {
	n, err := c.GetNode(ctx, id)
	if model.IsNotFound(err) {
		c.idx.RemoveNode(id)
		return nil
	}
	if err != nil {
		return err
	}
	return c.idx.IndexNode(n)
}

// ReindexEmbedding refreshes the vector of a node from storage.
func (c *Coordinator) ReindexEmbedding(ctx context.Context, id model.NodeID) error {
	m, err := c.embeddingManager(ctx, false)
	if err != nil {
		return err
	}
	if m == nil {
		c.idx.RemoveEmbedding(id)
		return nil
	}
	return m.ReindexEmbedding(ctx, id)
}

func (c *Coordinator) openManagers(ctx context.Context, types ...model.DatabaseType) ([]*Manager, error) {
	var out []*Manager
	for _, d := range types {
		for _, t := range model.Tiers(d) {
			m, err := c.manager(ctx, model.Partition{Type: d, Tier: t}, false)
			if err != nil {
				return nil, err
			}
			if m != nil {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// ScanNodes lazily yields the nodes of one kind across every tier. An empty kind
// yields every node.
func (c *Coordinator) ScanNodes(ctx context.Context, kind model.NodeKind) iter.Seq2[model.Node, error] {
	types := model.DatabaseTypes
	if kind != "" {
		types = []model.DatabaseType{model.PartitionOf(kind)}
	}
	return func(yield func(model.Node, error) bool) {
		managers, err := c.openManagers(ctx, types...)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, m := range managers {
			for n, err := range m.ScanNodes(ctx, kind) {
				if !yield(n, err) || err != nil {
					return
				}
			}
		}
	}
}

// MessagesByChat returns the messages of a chat across tiers in chronological
// order, ties broken by id.
func (c *Coordinator) MessagesByChat(ctx context.Context, chatID model.NodeID) ([]*model.Message, error) {
	managers, err := c.openManagers(ctx, model.Conversations)
	if err != nil {
		return nil, err
	}
	var out []*model.Message
	for _, m := range managers {
		msgs, err := m.MessagesByChat(ctx, chatID)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	slices.SortStableFunc(out, func(a, b *model.Message) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp < b.Timestamp {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// Counts summarizes stored records.
type Counts struct {
	Nodes      map[model.NodeKind]int
	Edges      int
	Embeddings int
}

// Counts tallies nodes per kind, edges and embeddings over every partition.
func (c *Coordinator) Counts(ctx context.Context) (Counts, error) {
	out := Counts{Nodes: make(map[model.NodeKind]int)}
	for _, m := range c.Managers() {
		byKind, err := m.CountByKind(ctx)
		if err != nil {
			return out, err
		}
		for k, n := range byKind {
			out.Nodes[k] += n
		}
		edges, err := m.CountEdges(ctx)
		if err != nil {
			return out, err
		}
		out.Edges += edges
		embs, err := m.CountEmbeddings(ctx)
		if err != nil {
			return out, err
		}
		out.Embeddings += embs
	}
	return out, nil
}

// Move relocates a node between tiers of its partition without emitting events.
// The copy is written before the source is removed, so a failure leaves the
// node readable from the warmer tier. The source is removed only if it is
// unchanged since it was read; otherwise the copy is dropped again and Move
// returns InvalidOperation.
func (c *Coordinator) Move(ctx context.Context, id model.NodeID, from, to model.Tier) error {
	const op = "storage.Move"
	if from == to {
		return model.InvalidOperation(op, "source and target tier are both %s", from)
	}
	for _, d := range c.searchOrder(id) {
		src, err := c.manager(ctx, model.Partition{Type: d, Tier: from}, false)
		if model.KindOf(err) == model.KindInvalidOperation {
			continue
		}
		if err != nil {
			return err
		}
		if src == nil {
			continue
		}
		b, err := src.nodeRecord(ctx, op, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		n, err := decodeNode(src.Codec(), b)
		if err != nil {
			return err
		}

		dst, err := c.manager(ctx, model.Partition{Type: d, Tier: to}, true)
		if err != nil {
			return err
		}
		if err := dst.insertNode(ctx, n); err != nil {
			return err
		}
		if err := src.deleteNodeIf(ctx, op, id, b); err != nil {
			if _, rerr := dst.deleteNode(ctx, id); rerr != nil && !model.IsNotFound(rerr) {
				return multierror.Append(err, rerr)
			}
			return err
		}
		c.logger.Debug("moved node", "id", id, "from", from.String(), "to", to.String())
		return nil
	}
	return model.NotFound(op, "node %s in tier %s", id, from)
}

// RotateTiers moves aged nodes from Active to Recent and from Recent to Archive.
// A node's age comes from model.TimeOf; nodes without a time stay put. It
// returns the number of moved nodes.
func (c *Coordinator) RotateTiers(ctx context.Context, now time.Time, recentAfter, archiveAfter time.Duration) (int, error) {
	if recentAfter <= 0 || archiveAfter < recentAfter {
		return 0, model.InvalidOperation("storage.RotateTiers", "invalid thresholds %s/%s", recentAfter, archiveAfter)
	}
	recentCutoff := now.Add(-recentAfter).UnixMilli()
	archiveCutoff := now.Add(-archiveAfter).UnixMilli()

	type move struct {
		id       model.NodeID
		from, to model.Tier
	}
	var moves []move
	for _, d := range model.DatabaseTypes {
		for _, from := range []model.Tier{model.Active, model.Recent} {
			m, err := c.manager(ctx, model.Partition{Type: d, Tier: from}, false)
			if err != nil {
				return 0, err
			}
			if m == nil {
				continue
			}
			for n, err := range m.ScanNodes(ctx, "") {
				if err != nil {
					return 0, err
				}
				ts, ok := model.TimeOf(n)
				switch {
				case !ok:
				case ts <= archiveCutoff:
					moves = append(moves, move{n.NodeID(), from, model.Archive})
				case ts <= recentCutoff && from == model.Active:
					moves = append(moves, move{n.NodeID(), from, model.Recent})
				}
			}
		}
	}

	var moved int
	for _, mv := range moves {
		if err := c.Move(ctx, mv.id, mv.from, mv.to); err != nil {
			switch model.KindOf(err) {
			case model.KindNotFound:
				continue
			case model.KindInvalidOperation:
				// Changed meanwhile; the next rotation looks at it again.
				c.logger.Debug("skipped rotating node", "id", mv.id, "error", err)
				continue
			}
			return moved, err
		}
		moved++
	}
	if moved > 0 {
		c.logger.Info("rotated tiers", "moved", moved)
	}
	return moved, nil
}

// RebuildIndexes resets the shared index set and reloads it from every partition.
func (c *Coordinator) RebuildIndexes(ctx context.Context) error {
	c.idx.Reset()
	for _, m := range c.Managers() {
		if err := m.RebuildIndexes(ctx); err != nil {
			return fmt.Errorf("rebuild %s: %w", m.Partition(), err)
		}
	}
	return nil
}

// Flush flushes every partition concurrently.
func (c *Coordinator) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range c.Managers() {
		g.Go(func() error { return m.Flush(ctx) })
	}
	return g.Wait()
}

// SizeOnDisk sums the file sizes of every partition.
func (c *Coordinator) SizeOnDisk() (int64, error) {
	var total int64
	for _, m := range c.Managers() {
		n, err := m.SizeOnDisk()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes every partition. Errors are aggregated.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	managers := c.managers
	c.managers = make(map[model.Partition]*Manager)
	c.mu.Unlock()

	var result *multierror.Error
	for p, m := range managers {
		if err := m.Close(); err != nil && !errors.Is(err, kv.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", p, err))
		}
	}
	return result.ErrorOrNil()
}
