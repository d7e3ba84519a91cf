package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// encodeEntry writes an entry in binary format.
//
//	[Type:1][SeqNum:8][TxID:8]
//	prepare:    [Op:1][SpaceLen:2][Space][KeyLen:4][Key][ValueLen:4][Value]
//	commit:     [OpCount:4]
//	checkpoint: no payload
func (w *WAL) encodeEntry(entry *Entry) error {
	buf := w.scratch[:0]
	buf = append(buf, byte(entry.Type))
	buf = binary.LittleEndian.AppendUint64(buf, entry.SeqNum)
	buf = binary.LittleEndian.AppendUint64(buf, entry.TxID)

	switch entry.Type {
	case EntryPrepare:
		op := entry.Op
		if len(op.Space) > math.MaxUint16 {
			return fmt.Errorf("space name too long: %d bytes", len(op.Space))
		}
		buf = append(buf, byte(op.Type))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(op.Space))) //nolint:gosec // bounded above
		buf = append(buf, op.Space...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Key))) //nolint:gosec
		buf = append(buf, op.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(op.Value))) //nolint:gosec
		buf = append(buf, op.Value...)
	case EntryCommit:
		buf = binary.LittleEndian.AppendUint32(buf, entry.OpCount)
	case EntryCheckpoint:
	default:
		return fmt.Errorf("unsupported WAL entry type: %d", entry.Type)
	}

	w.scratch = buf
	w.dirty = true
	_, err := w.writer.Write(buf)
	return err
}

// decodeEntry reads an entry in binary format. A clean end of stream returns io.EOF;
// a record cut short returns io.ErrUnexpectedEOF.
func decodeEntry(r io.Reader, entry *Entry) error {
	var hdr [17]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return unexpected(err)
	}
	entry.Type = EntryType(hdr[0])
	entry.SeqNum = binary.LittleEndian.Uint64(hdr[1:9])
	entry.TxID = binary.LittleEndian.Uint64(hdr[9:17])
	entry.Op = Op{}
	entry.OpCount = 0

	switch entry.Type {
	case EntryPrepare:
		var fixed [3]byte
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return unexpected(err)
		}
		entry.Op.Type = OpType(fixed[0])
		if entry.Op.Type != OpPut && entry.Op.Type != OpDelete {
			return fmt.Errorf("unsupported WAL op type: %d", fixed[0])
		}
		space := make([]byte, binary.LittleEndian.Uint16(fixed[1:3]))
		if _, err := io.ReadFull(r, space); err != nil {
			return unexpected(err)
		}
		entry.Op.Space = string(space)

		key, err := readBlob(r)
		if err != nil {
			return err
		}
		value, err := readBlob(r)
		if err != nil {
			return err
		}
		entry.Op.Key = key
		entry.Op.Value = value
	case EntryCommit:
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return unexpected(err)
		}
		entry.OpCount = binary.LittleEndian.Uint32(n[:])
	case EntryCheckpoint:
	default:
		return fmt.Errorf("unsupported WAL entry type: %d", entry.Type)
	}
	return nil
}

func readBlob(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, unexpected(err)
	}
	b := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (w *WAL) flushLocked() error {
	if !w.dirty {
		return nil
	}
	w.dirty = false
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed {
		if err := w.compressor.Flush(); err != nil {
			return fmt.Errorf("failed to flush compressor: %w", err)
		}
	}
	return nil
}
