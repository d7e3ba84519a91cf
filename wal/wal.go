// Package wal provides write-ahead logging for the log-structured storage backend.
//
// Every transaction is written as one Prepare record per mutation followed by a
// single Commit record. Recovery replays only transactions whose Commit reached the
// log, so a crash in the middle of a transaction never exposes a partial write.
//
// Features:
//   - Transaction logging (LogBatch) with prepare/commit records
//   - Configurable fsync behavior (async, group commit, sync)
//   - Optional zstd compression
//   - Checkpoint support for log truncation after a snapshot was written
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrClosed is returned by operations on a closed WAL.
var ErrClosed = errors.New("wal is closed")

// WAL provides write-ahead logging for durability.
type WAL struct {
	mu               sync.Mutex
	file             *os.File
	writer           io.Writer
	bufWriter        *bufio.Writer
	compressor       *zstd.Encoder
	decompressor     *zstd.Decoder
	scratch          []byte
	dirty            bool
	seqNum           uint64
	filePath         string
	compressed       bool
	compressionLevel int
	dataOffset       int64

	autoCheckpointOps int
	autoCheckpointMB  int
	committedTxs      int

	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond        *sync.Cond
	persistedSeqNum uint64
	syncErr         error
	generation      uint64 // bumped by truncate; waiters from an older file stop waiting
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// New opens or creates a WAL.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.FileName == "" {
		opts.FileName = DefaultOptions.FileName
	}

	if err := os.MkdirAll(opts.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, opts.FileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		compressionLevel:    opts.CompressionLevel,
		autoCheckpointOps:   opts.AutoCheckpointOps,
		autoCheckpointMB:    opts.AutoCheckpointMB,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if st.Size() == 0 {
		err = w.writeNewHeader(opts)
	} else {
		err = w.readExistingHeader()
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := w.resetWriters(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if w.compressed {
		decompressor, err := zstd.NewReader(nil)
		if err != nil {
			_ = w.compressor.Close()
			_ = file.Close()
			return nil, fmt.Errorf("failed to create decompressor: %w", err)
		}
		w.decompressor = decompressor
	}

	if err := w.scanForSeqNum(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

func (w *WAL) writeNewHeader(opts Options) error {
	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       opts.Compress,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return err
	}
	w.dataOffset = hdrLen
	w.compressed = opts.Compress
	return nil
}

func (w *WAL) readExistingHeader() error {
	hdrInfo, err := readWALHeader(w.file)
	if err != nil {
		return err
	}
	w.dataOffset = hdrInfo.HeaderLen
	w.compressed = hdrInfo.Compressed
	w.compressionLevel = hdrInfo.CompressionLevel
	return nil
}

// resetWriters points the (optionally compressing) buffered writer at w.file.
func (w *WAL) resetWriters() error {
	if w.compressed {
		level := zstd.EncoderLevelFromZstd(w.compressionLevel)
		compressor, err := zstd.NewWriter(w.file, zstd.WithEncoderLevel(level))
		if err != nil {
			return fmt.Errorf("failed to create compressor: %w", err)
		}
		w.compressor = compressor
		w.bufWriter = bufio.NewWriter(compressor)
	} else {
		w.bufWriter = bufio.NewWriter(w.file)
	}
	w.writer = w.bufWriter
	return nil
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold w.mu.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return w.file.Sync()

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seqNum
		gen := w.generation

		if w.groupCommitPending >= w.groupCommitMaxOps || w.groupCommitTicker == nil {
			return w.doGroupCommit()
		}
		// syncCond.Wait releases w.mu so the worker (or another writer) can sync.
		for w.persistedSeqNum < targetSeq && w.file != nil && w.generation == gen {
			if w.syncErr != nil {
				return w.syncErr
			}
			w.syncCond.Wait()
		}
		return w.syncErr

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and resets the pending counter.
// Caller must hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		w.syncErr = err
		w.syncCond.Broadcast()
		return err
	}

	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// entryReader positions the file at the start of the entry stream and returns a
// reader over it. Caller must hold w.mu.
func (w *WAL) entryReader() (io.Reader, error) {
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return nil, err
	}
	if w.compressed {
		if err := w.decompressor.Reset(w.file); err != nil {
			return nil, fmt.Errorf("failed to reset decompressor: %w", err)
		}
		return w.decompressor, nil
	}
	return bufio.NewReader(w.file), nil
}

// scanForSeqNum scans the WAL to find the highest sequence number. In an
// uncompressed log a torn tail (a record cut short by a crash) is truncated so new
// records are appended right after the last complete one.
func (w *WAL) scanForSeqNum() error {
	reader, err := w.entryReader()
	if err != nil {
		return err
	}
	counter := &countingReader{r: reader}

	var (
		maxSeqNum uint64
		validEnd  int64
		torn      bool
	)
	for {
		var entry Entry
		if err := decodeEntry(counter, &entry); err != nil {
			torn = !errors.Is(err, io.EOF) || counter.n != validEnd
			break
		}
		validEnd = counter.n
		if entry.SeqNum > maxSeqNum {
			maxSeqNum = entry.SeqNum
		}
	}

	w.seqNum = maxSeqNum
	w.persistedSeqNum = maxSeqNum

	if torn && !w.compressed {
		if err := w.file.Truncate(w.dataOffset + validEnd); err != nil {
			return fmt.Errorf("failed to truncate torn WAL tail: %w", err)
		}
	}

	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// LogBatch writes one transaction (prepare records plus a commit record) and makes
// it durable according to the DurabilityMode. It returns the transaction id.
func (w *WAL) LogBatch(ops []Op) (uint64, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrClosed
	}

	txID := w.seqNum + 1
	for i := range ops {
		w.seqNum++
		prepare := Entry{Type: EntryPrepare, SeqNum: w.seqNum, TxID: txID, Op: ops[i]}
		if err := w.encodeEntry(&prepare); err != nil {
			return 0, fmt.Errorf("failed to encode WAL prepare entry %d: %w", i, err)
		}
	}

	w.seqNum++
	commit := Entry{Type: EntryCommit, SeqNum: w.seqNum, TxID: txID, OpCount: uint32(len(ops))} //nolint:gosec
	if err := w.encodeEntry(&commit); err != nil {
		return 0, fmt.Errorf("failed to encode WAL commit entry: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}
	w.committedTxs++
	if err := w.syncIfNeeded(); err != nil {
		return 0, err
	}
	return txID, nil
}

// LogPrepare writes prepare records without a commit. Tests use it to simulate a
// crash in the middle of a transaction.
func (w *WAL) LogPrepare(ops []Op) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrClosed
	}

	txID := w.seqNum + 1
	for i := range ops {
		w.seqNum++
		entry := Entry{Type: EntryPrepare, SeqNum: w.seqNum, TxID: txID, Op: ops[i]}
		if err := w.encodeEntry(&entry); err != nil {
			return 0, fmt.Errorf("failed to encode WAL entry: %w", err)
		}
	}
	return txID, w.flushLocked()
}

// Sync flushes buffered records and fsyncs the file regardless of DurabilityMode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

// NeedsCheckpoint reports whether the auto-checkpoint thresholds are exceeded.
// The owner of the WAL is expected to write a snapshot and call Checkpoint.
func (w *WAL) NeedsCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return false
	}
	if w.autoCheckpointOps > 0 && w.committedTxs >= w.autoCheckpointOps {
		return true
	}
	if w.autoCheckpointMB > 0 {
		if st, err := w.file.Stat(); err == nil {
			return st.Size()/(1024*1024) >= int64(w.autoCheckpointMB)
		}
	}
	return false
}

// Checkpoint writes a checkpoint marker and truncates the WAL.
// Call it only after the state covered by the log was persisted elsewhere.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	w.seqNum++
	entry := Entry{Type: EntryCheckpoint, SeqNum: w.seqNum}
	if err := w.encodeEntry(&entry); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	return w.truncate()
}

// truncate replaces the WAL file with an empty one. Caller must hold w.mu.
func (w *WAL) truncate() error {
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		w.file = nil
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	w.file = file

	hdrLen, err := writeWALHeader(w.file, walHeaderInfo{
		Compressed:       w.compressed,
		CompressionLevel: w.compressionLevel,
	})
	if err != nil {
		return err
	}
	w.dataOffset = hdrLen

	if err := w.resetWriters(); err != nil {
		return err
	}

	w.seqNum = 0
	w.persistedSeqNum = 0
	w.groupCommitPending = 0
	w.committedTxs = 0
	w.generation++
	w.syncCond.Broadcast()
	return nil
}

// Size returns the current size of the WAL file in bytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrClosed
	}
	st, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Close stops the group commit worker, syncs pending records and closes the file.
// After Close returns, the WAL is no longer usable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if w.compressed && w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			return fmt.Errorf("failed to close compressor: %w", err)
		}
	}
	if w.decompressor != nil {
		w.decompressor.Close()
	}

	syncErr := w.file.Sync()
	err := w.file.Close()
	w.file = nil
	w.syncCond.Broadcast()
	if err == nil {
		err = syncErr
	}
	return err
}

// Len returns the number of records in the WAL.
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	reader, err := w.entryReader()
	if err != nil {
		return 0, err
	}

	count := 0
	for {
		var entry Entry
		if err := decodeEntry(reader, &entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			break
		}
		if entry.Type == EntryCheckpoint {
			break
		}
		count++
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return count, err
	}
	return count, nil
}
