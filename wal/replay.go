package wal

import (
	"errors"
	"fmt"
	"io"
)

// ReplayCommitted calls fn for every committed transaction in log order.
//
// Prepare records without a matching commit are skipped. A record cut short at the
// end of the log is treated as the end of the stream; any other decoding failure is
// reported as corruption.
func (w *WAL) ReplayCommitted(fn func(b Batch) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	reader, err := w.entryReader()
	if err != nil {
		return err
	}

	pending := map[uint64][]Op{}

loop:
	for {
		var entry Entry
		if err := decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("WAL corrupted after seq %d: %w", entry.SeqNum, err)
		}

		switch entry.Type {
		case EntryCheckpoint:
			break loop
		case EntryPrepare:
			pending[entry.TxID] = append(pending[entry.TxID], entry.Op)
		case EntryCommit:
			ops := pending[entry.TxID]
			delete(pending, entry.TxID)
			if len(ops) != int(entry.OpCount) {
				return fmt.Errorf("WAL corrupted: tx %d committed %d ops, found %d", entry.TxID, entry.OpCount, len(ops))
			}
			if err := fn(Batch{TxID: entry.TxID, SeqNum: entry.SeqNum, Ops: ops}); err != nil {
				return fmt.Errorf("failed to replay tx %d: %w", entry.TxID, err)
			}
		}
	}

	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}
