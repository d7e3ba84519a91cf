package logstore

import (
	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/wal"
)

// txn buffers writes until Commit. It holds the store's writer lock for its lifetime.
type txn struct {
	s    *Store
	done bool

	// pending maps space -> key -> value. A nil pointer marks a delete.
	pending map[string]map[string]*[]byte
	ops     []wal.Op
}

func (t *txn) check(op string) error {
	if t.done {
		return model.Transaction(op, "transaction already finished")
	}
	return t.s.checkOpen(op)
}

func (t *txn) lookup(space string, key []byte) ([]byte, bool) {
	if p, ok := t.pending[space][string(key)]; ok {
		if p == nil {
			return nil, false
		}
		return *p, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getLocked(space, key)
}

func (t *txn) Get(space string, key []byte) ([]byte, error) {
	const op = "logstore.Txn.Get"
	if err := t.check(op); err != nil {
		return nil, err
	}
	if err := kv.ValidateSpace(op, space); err != nil {
		return nil, err
	}
	if err := kv.ValidateKey(op, key); err != nil {
		return nil, err
	}
	v, ok := t.lookup(space, key)
	if !ok {
		return nil, model.NotFound(op, "key %q in space %q", key, space)
	}
	return kv.Clone(v), nil
}

func (t *txn) Put(space string, key, value []byte) error {
	const op = "logstore.Txn.Put"
	if err := t.check(op); err != nil {
		return err
	}
	if err := kv.ValidateSpace(op, space); err != nil {
		return err
	}
	if err := kv.ValidateKey(op, key); err != nil {
		return err
	}

	k, v := kv.Clone(key), kv.Clone(value)
	t.record(space, k, &v)
	t.ops = append(t.ops, wal.Op{Type: wal.OpPut, Space: space, Key: k, Value: v})
	return nil
}

func (t *txn) Delete(space string, key []byte) error {
	const op = "logstore.Txn.Delete"
	if err := t.check(op); err != nil {
		return err
	}
	if err := kv.ValidateSpace(op, space); err != nil {
		return err
	}
	if err := kv.ValidateKey(op, key); err != nil {
		return err
	}
	if _, ok := t.lookup(space, key); !ok {
		return model.NotFound(op, "key %q in space %q", key, space)
	}

	k := kv.Clone(key)
	t.record(space, k, nil)
	t.ops = append(t.ops, wal.Op{Type: wal.OpDelete, Space: space, Key: k})
	return nil
}

func (t *txn) record(space string, key []byte, v *[]byte) {
	m, ok := t.pending[space]
	if !ok {
		m = map[string]*[]byte{}
		t.pending[space] = m
	}
	m[string(key)] = v
}

func (t *txn) Commit() error {
	const op = "logstore.Txn.Commit"
	if err := t.check(op); err != nil {
		return err
	}
	t.done = true
	defer t.s.writer.Release(1)

	if len(t.ops) == 0 {
		return nil
	}
	if _, err := t.s.wal.LogBatch(t.ops); err != nil {
		return model.Backend(op, err)
	}
	t.s.apply(t.ops)

	if t.s.wal.NeedsCheckpoint() {
		if err := t.s.compactHeld(op); err != nil {
			// The batch is durable in the WAL; compaction is retried on the next commit.
			t.s.logger.Warn("auto-compaction failed", "error", err)
		}
	}
	return nil
}

func (t *txn) Abort() error {
	if t.done {
		return model.Transaction("logstore.Txn.Abort", "transaction already finished")
	}
	t.done = true
	t.s.writer.Release(1)
	return nil
}
