// Package storage implements the typed write path of loom.
//
// A Manager owns the key spaces of one partition on top of a kv.Engine. It
// encodes records with the configured codec, maintains secondary keys that turn
// common filters into prefix scans, keeps the shared index.Set in step with
// every committed write and emits exactly one event per logical mutation.
//
// A Coordinator groups Managers by partition and temperature tier and is the
// entry point used by the query engine, the weaver and the public API.
package storage

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/hupe1980/loom/codec"
	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/internal/cache"
	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// Options configures a Manager.
type Options struct {
	// Partition names the partition for logs.
	Partition model.Partition

	// Codec encodes records. A partition keeps the codec it was created with.
	Codec codec.Codec

	// SyncIndexing updates the index set inside every node and embedding write.
	// When false the caller re-indexes through ReindexNode and ReindexEmbedding.
	// Edges and removals are always applied to the index.
	SyncIndexing bool

	// CacheSize bounds the node record cache in entries. 0 disables it.
	CacheSize int

	// Events receives one event per committed mutation.
	Events model.EventSink

	// Lookup checks that a node exists, returning a NotFound error otherwise.
	// It is used for edge endpoints and embedding owners, which may live in other
	// partitions. Defaults to a lookup in this Manager.
	Lookup func(ctx context.Context, id model.NodeID) error

	Logger *slog.Logger
}

// DefaultOptions contains the default Manager options.
var DefaultOptions = Options{
	Codec:        codec.Default,
	SyncIndexing: true,
	CacheSize:    1024,
}

// Manager is the typed CRUD layer of one partition. It is safe for concurrent use.
type Manager struct {
	engine kv.Engine
	idx    *index.Set
	opts   Options
	logger *slog.Logger

	// cacheMu orders cache fills against invalidations so a reader never
	// re-inserts a record a writer just replaced.
	cacheMu sync.Mutex
	version uint64
	cache   *cache.LRU[model.NodeID, []byte]
}

// NewManager wraps engine. The codec is recorded on first use; reopening with a
// different codec is an InvalidOperation.
func NewManager(ctx context.Context, engine kv.Engine, idx *index.Set, optFns ...func(o *Options)) (*Manager, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Events == nil {
		opts.Events = model.DiscardEvents
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if idx == nil {
		idx = index.New()
	}

	m := &Manager{
		engine: engine,
		idx:    idx,
		opts:   opts,
		logger: opts.Logger.With("partition", opts.Partition.String()),
		cache:  cache.New[model.NodeID, []byte](opts.CacheSize),
	}
	if m.opts.Lookup == nil {
		m.opts.Lookup = func(ctx context.Context, id model.NodeID) error {
			_, err := m.GetNode(ctx, id)
			return err
		}
	}

	if err := m.checkCodec(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) checkCodec(ctx context.Context) error {
	name := []byte(m.opts.Codec.Name())
	stored, err := m.engine.Get(ctx, SpaceMeta, codecKey)
	switch {
	case model.IsNotFound(err):
		return m.engine.Put(ctx, SpaceMeta, codecKey, name)
	case err != nil:
		return err
	case !bytes.Equal(stored, name):
		return model.InvalidOperation("storage.NewManager", "partition %s was written with codec %q, not %q",
			m.opts.Partition, stored, name)
	}
	return nil
}

// Engine returns the underlying engine.
func (m *Manager) Engine() kv.Engine { return m.engine }

// Partition returns the partition this Manager serves.
func (m *Manager) Partition() model.Partition { return m.opts.Partition }

// Codec returns the record codec.
func (m *Manager) Codec() codec.Codec { return m.opts.Codec }

func (m *Manager) emit(e model.Event) { m.opts.Events.Submit(e) }

func (m *Manager) invalidate(id model.NodeID) {
	m.cacheMu.Lock()
	m.version++
	m.cache.Remove(id)
	m.cacheMu.Unlock()
}

func (m *Manager) indexNode(n model.Node) {
	if !m.opts.SyncIndexing {
		return
	}
	if err := m.idx.IndexNode(n); err != nil {
		m.logger.Warn("index node", "id", n.NodeID(), "error", err)
	}
}

// InsertNode stores a new node. An existing id is an InvalidOperation.
func (m *Manager) InsertNode(ctx context.Context, n model.Node) error {
	if err := m.insertNode(ctx, n); err != nil {
		return err
	}
	m.indexNode(n)
	m.emit(model.NodeCreated{ID: n.NodeID(), Kind: n.Kind()})
	return nil
}

func (m *Manager) insertNode(ctx context.Context, n model.Node) error {
	const op = "storage.InsertNode"
	if n == nil {
		return model.InvalidOperation(op, "nil node")
	}
	if err := model.ValidateNodeID(op, n.NodeID()); err != nil {
		return err
	}
	if err := validateKeys(op, n); err != nil {
		return err
	}
	b, err := encodeNode(m.opts.Codec, n)
	if err != nil {
		return err
	}

	err = kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		_, err := tx.Get(SpaceNodes, nodeKey(n.NodeID()))
		switch {
		case err == nil:
			return model.InvalidOperation(op, "node %s already exists", n.NodeID())
		case !model.IsNotFound(err):
			return err
		}
		return putNode(tx, n, b)
	})
	if err != nil {
		return err
	}
	m.invalidate(n.NodeID())
	return nil
}

func putNode(tx kv.Txn, n model.Node, b []byte) error {
	if err := tx.Put(SpaceNodes, nodeKey(n.NodeID()), b); err != nil {
		return err
	}
	for _, k := range secondaryKeys(n) {
		if err := tx.Put(SpaceNodes, k, []byte(n.NodeID())); err != nil {
			return err
		}
	}
	return nil
}

func deleteNode(tx kv.Txn, n model.Node) error {
	if err := tx.Delete(SpaceNodes, nodeKey(n.NodeID())); err != nil {
		return err
	}
	for _, k := range secondaryKeys(n) {
		if err := tx.Delete(SpaceNodes, k); err != nil && !model.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (m *Manager) getNodeTx(tx kv.Txn, op string, id model.NodeID) (model.Node, error) {
	b, err := tx.Get(SpaceNodes, nodeKey(id))
	if model.IsNotFound(err) {
		return nil, model.NotFound(op, "node %s", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode(m.opts.Codec, b)
}

// GetNode returns the node stored under id.
func (m *Manager) GetNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	const op = "storage.GetNode"
	if err := model.ValidateNodeID(op, id); err != nil {
		return nil, err
	}
	if b, ok := m.cache.Get(id); ok {
		return decodeNode(m.opts.Codec, b)
	}

	m.cacheMu.Lock()
	version := m.version
	m.cacheMu.Unlock()

	b, err := m.engine.Get(ctx, SpaceNodes, nodeKey(id))
	if model.IsNotFound(err) {
		return nil, model.NotFound(op, "node %s", id)
	}
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(m.opts.Codec, b)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	if m.version == version {
		m.cache.Add(id, b)
	}
	m.cacheMu.Unlock()
	return n, nil
}

// UpdateNode replaces a stored node. The kind of a node never changes.
func (m *Manager) UpdateNode(ctx context.Context, n model.Node) error {
	const op = "storage.UpdateNode"
	if n == nil {
		return model.InvalidOperation(op, "nil node")
	}
	if err := model.ValidateNodeID(op, n.NodeID()); err != nil {
		return err
	}
	if err := validateKeys(op, n); err != nil {
		return err
	}
	b, err := encodeNode(m.opts.Codec, n)
	if err != nil {
		return err
	}

	err = kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		old, err := m.getNodeTx(tx, op, n.NodeID())
		if err != nil {
			return err
		}
		if old.Kind() != n.Kind() {
			return model.InvalidOperation(op, "node %s is a %s, not a %s", n.NodeID(), old.Kind(), n.Kind())
		}
		if err := deleteNode(tx, old); err != nil {
			return err
		}
		return putNode(tx, n, b)
	})
	if err != nil {
		return err
	}
	m.invalidate(n.NodeID())
	m.indexNode(n)
	m.emit(model.NodeUpdated{ID: n.NodeID(), Kind: n.Kind()})
	return nil
}

// SetEmbeddingRef points an embeddable node at its embedding. The node is read
// and written back inside one transaction, so fields changed by a concurrent
// UpdateNode survive. No event is emitted. It reports whether the node changed.
func (m *Manager) SetEmbeddingRef(ctx context.Context, id model.NodeID, embID model.EmbeddingID) (bool, error) {
	const op = "storage.SetEmbeddingRef"
	if err := model.ValidateNodeID(op, id); err != nil {
		return false, err
	}
	if err := model.ValidateEmbeddingID(op, embID); err != nil {
		return false, err
	}

	var changed bool
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		n, err := m.getNodeTx(tx, op, id)
		if err != nil {
			return err
		}
		e, ok := n.(model.Embeddable)
		if !ok {
			return model.InvalidOperation(op, "%s node %s has no embedding", n.Kind(), id)
		}
		if e.EmbeddingRef() == embID {
			return nil
		}
		e.SetEmbeddingRef(embID)
		b, err := encodeNode(m.opts.Codec, e)
		if err != nil {
			return err
		}
		changed = true
		return tx.Put(SpaceNodes, nodeKey(id), b)
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.invalidate(id)
	}
	return changed, nil
}

// DeleteNode removes a node and returns it. Edges touching it are kept.
func (m *Manager) DeleteNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	n, err := m.deleteNode(ctx, id)
	if err != nil {
		return nil, err
	}
	m.idx.RemoveNode(id)
	m.emit(model.NodeDeleted{ID: id, Kind: n.Kind()})
	return n, nil
}

func (m *Manager) deleteNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	const op = "storage.DeleteNode"
	if err := model.ValidateNodeID(op, id); err != nil {
		return nil, err
	}
	var n model.Node
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		var err error
		if n, err = m.getNodeTx(tx, op, id); err != nil {
			return err
		}
		return deleteNode(tx, n)
	})
	if err != nil {
		return nil, err
	}
	m.invalidate(id)
	return n, nil
}

// nodeRecord returns the stored bytes of id, bypassing the cache.
func (m *Manager) nodeRecord(ctx context.Context, op string, id model.NodeID) ([]byte, error) {
	b, err := m.engine.Get(ctx, SpaceNodes, nodeKey(id))
	if model.IsNotFound(err) {
		return nil, model.NotFound(op, "node %s", id)
	}
	return b, err
}

// deleteNodeIf removes id only while its record still equals want. A record
// changed since it was read is an InvalidOperation.
func (m *Manager) deleteNodeIf(ctx context.Context, op string, id model.NodeID, want []byte) error {
	err := kv.Update(ctx, m.engine, func(tx kv.Txn) error {
		b, err := tx.Get(SpaceNodes, nodeKey(id))
		if model.IsNotFound(err) {
			return model.NotFound(op, "node %s", id)
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(b, want) {
			return model.InvalidOperation(op, "node %s changed concurrently", id)
		}
		n, err := decodeNode(m.opts.Codec, b)
		if err != nil {
			return err
		}
		return deleteNode(tx, n)
	})
	if err != nil {
		return err
	}
	m.invalidate(id)
	return nil
}

// ReindexNode refreshes the index entry of id from storage, removing it when the
// node is gone.
func (m *Manager) ReindexNode(ctx context.Context, id model.NodeID) error {
	n, err := m.GetNode(ctx, id)
	if model.IsNotFound(err) {
		m.idx.RemoveNode(id)
		return nil
	}
	if err != nil {
		return err
	}
	return m.idx.IndexNode(n)
}

// ScanNodes lazily yields the nodes of one kind in id order. An empty kind
// yields every node.
func (m *Manager) ScanNodes(ctx context.Context, kind model.NodeKind) iter.Seq2[model.Node, error] {
	return func(yield func(model.Node, error) bool) {
		if kind == "" {
			for item, err := range m.engine.ScanPrefix(ctx, SpaceNodes, []byte(prefixNode)) {
				if err != nil {
					yield(nil, err)
					return
				}
				n, err := decodeNode(m.opts.Codec, item.Value)
				if !yield(n, err) || err != nil {
					return
				}
			}
			return
		}

		for item, err := range m.engine.ScanPrefix(ctx, SpaceNodes, kindPrefix(kind)) {
			if err != nil {
				yield(nil, err)
				return
			}
			n, err := m.GetNode(ctx, model.NodeID(item.Value))
			if model.IsNotFound(err) {
				continue
			}
			if !yield(n, err) || err != nil {
				return
			}
		}
	}
}

// MessagesByChat returns the messages of a chat in chronological order.
func (m *Manager) MessagesByChat(ctx context.Context, chatID model.NodeID) ([]*model.Message, error) {
	if err := model.ValidateNodeID("storage.MessagesByChat", chatID); err != nil {
		return nil, err
	}
	return m.messagesByPrefix(ctx, chatPrefix(chatID))
}

// MessagesBySender returns the messages of a sender in chronological order.
func (m *Manager) MessagesBySender(ctx context.Context, sender string) ([]*model.Message, error) {
	return m.messagesByPrefix(ctx, senderPrefix(sender))
}

func (m *Manager) messagesByPrefix(ctx context.Context, prefix []byte) ([]*model.Message, error) {
	var out []*model.Message
	err := m.engine.View(ctx, func(r kv.Reader) error {
		return r.ScanPrefix(SpaceNodes, prefix, func(_, value []byte) error {
			b, err := r.Get(SpaceNodes, nodeKey(model.NodeID(value)))
			if model.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			n, err := decodeNode(m.opts.Codec, b)
			if err != nil {
				return err
			}
			if msg, ok := n.(*model.Message); ok {
				out = append(out, msg)
			}
			return nil
		})
	})
	return out, err
}

// CountByKind counts the stored nodes per kind.
func (m *Manager) CountByKind(ctx context.Context) (map[model.NodeKind]int, error) {
	out := make(map[model.NodeKind]int)
	err := m.engine.View(ctx, func(r kv.Reader) error {
		return r.ScanPrefix(SpaceNodes, []byte(prefixKind), func(key, _ []byte) error {
			rest := key[len(prefixKind):]
			if i := bytes.IndexByte(rest, '/'); i > 0 {
				out[model.NodeKind(rest[:i])]++
			}
			return nil
		})
	})
	return out, err
}

func (m *Manager) count(ctx context.Context, space, prefix string) (int, error) {
	var n int
	err := m.engine.View(ctx, func(r kv.Reader) error {
		return r.ScanPrefix(space, []byte(prefix), func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// CountEdges returns the number of stored edges.
func (m *Manager) CountEdges(ctx context.Context) (int, error) {
	return m.count(ctx, SpaceEdges, prefixEdge)
}

// CountEmbeddings returns the number of stored embeddings.
func (m *Manager) CountEmbeddings(ctx context.Context) (int, error) {
	return m.count(ctx, SpaceEmbeddings, prefixVector)
}

// RebuildIndexes feeds every stored node, edge and embedding into the index set.
// It does not reset the set; a Coordinator resets once and rebuilds all partitions.
func (m *Manager) RebuildIndexes(ctx context.Context) error {
	for n, err := range m.ScanNodes(ctx, "") {
		if err != nil {
			return err
		}
		if err := m.idx.IndexNode(n); err != nil {
			return err
		}
	}

	for item, err := range m.engine.ScanPrefix(ctx, SpaceEdges, []byte(prefixEdge)) {
		if err != nil {
			return err
		}
		e, err := decodeEdge(m.opts.Codec, item.Value)
		if err != nil {
			return err
		}
		m.idx.IndexEdge(e)
	}

	for item, err := range m.engine.ScanPrefix(ctx, SpaceEmbeddings, []byte(prefixVector)) {
		if err != nil {
			return err
		}
		emb, err := decodeEmbedding(m.opts.Codec, item.Value)
		if err != nil {
			return err
		}
		if err := m.idx.IndexEmbedding(emb); err != nil {
			return err
		}
	}
	return nil
}

// CacheStats reports node cache counters.
func (m *Manager) CacheStats() cache.Stats { return m.cache.Stats() }

// Flush forces buffered writes to disk.
func (m *Manager) Flush(ctx context.Context) error { return m.engine.Flush(ctx) }

// SizeOnDisk reports the engine's file size.
func (m *Manager) SizeOnDisk() (int64, error) { return m.engine.SizeOnDisk() }

// Close closes the engine.
func (m *Manager) Close() error {
	m.cache.Purge()
	return m.engine.Close()
}
