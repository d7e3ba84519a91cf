package boltstore

import (
	bolt "go.etcd.io/bbolt"

	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

// txn wraps a writable bbolt transaction and the store's writer permit.
type txn struct {
	s    *Store
	tx   *bolt.Tx
	done bool
}

func (t *txn) check(op string) error {
	if t.done {
		return model.Transaction(op, "transaction already finished")
	}
	return nil
}

func (t *txn) validate(op, space string, key []byte) error {
	if err := t.check(op); err != nil {
		return err
	}
	if err := kv.ValidateSpace(op, space); err != nil {
		return err
	}
	return kv.ValidateKey(op, key)
}

func (t *txn) Get(space string, key []byte) ([]byte, error) {
	const op = "boltstore.Txn.Get"
	if err := t.validate(op, space, key); err != nil {
		return nil, err
	}
	v, ok := lookup(t.tx, space, key)
	if !ok {
		return nil, model.NotFound(op, "key %q in space %q", key, space)
	}
	return kv.Clone(v), nil
}

func (t *txn) Put(space string, key, value []byte) error {
	const op = "boltstore.Txn.Put"
	if err := t.validate(op, space, key); err != nil {
		return err
	}
	b, err := t.tx.CreateBucketIfNotExists([]byte(space))
	if err != nil {
		return normalize(op, err)
	}
	// bbolt keeps references until commit.
	return normalize(op, b.Put(kv.Clone(key), kv.Clone(value)))
}

func (t *txn) Delete(space string, key []byte) error {
	const op = "boltstore.Txn.Delete"
	if err := t.validate(op, space, key); err != nil {
		return err
	}
	if _, ok := lookup(t.tx, space, key); !ok {
		return model.NotFound(op, "key %q in space %q", key, space)
	}
	return normalize(op, t.tx.Bucket([]byte(space)).Delete(key))
}

func (t *txn) Commit() error {
	const op = "boltstore.Txn.Commit"
	if err := t.check(op); err != nil {
		return err
	}
	t.done = true
	defer t.s.writer.Release(1)
	return normalize(op, t.tx.Commit())
}

func (t *txn) Abort() error {
	const op = "boltstore.Txn.Abort"
	if err := t.check(op); err != nil {
		return err
	}
	t.done = true
	defer t.s.writer.Release(1)
	return normalize(op, t.tx.Rollback())
}
