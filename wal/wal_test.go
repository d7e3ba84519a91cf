package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func put(space, key, value string) Op {
	return Op{Type: OpPut, Space: space, Key: []byte(key), Value: []byte(value)}
}

func del(space, key string) Op {
	return Op{Type: OpDelete, Space: space, Key: []byte(key)}
}

func TestWAL(t *testing.T) {
	dir := t.TempDir()

	wal, err := New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer wal.Close()

	if _, err := wal.LogBatch([]Op{put("nodes", "n1", "a"), put("nodes", "n2", "b")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}
	if _, err := wal.LogBatch([]Op{del("nodes", "n2")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}

	count, err := wal.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	// 3 prepares + 2 commits.
	if count != 5 {
		t.Errorf("Expected 5 entries, got %d", count)
	}
}

func TestWALReplay(t *testing.T) {
	dir := t.TempDir()

	wal, err := New(func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	batches := [][]Op{
		{put("nodes", "n1", "data1")},
		{put("nodes", "n2", "data2"), put("edges", "e1", "edge")},
		{del("nodes", "n1")},
	}
	for _, b := range batches {
		if _, err := wal.LogBatch(b); err != nil {
			t.Fatalf("LogBatch failed: %v", err)
		}
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	wal, err = New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer wal.Close()

	var replayed []Batch
	if err := wal.ReplayCommitted(func(b Batch) error {
		replayed = append(replayed, b)
		return nil
	}); err != nil {
		t.Fatalf("ReplayCommitted failed: %v", err)
	}

	if len(replayed) != len(batches) {
		t.Fatalf("Expected %d batches, got %d", len(batches), len(replayed))
	}
	for i, b := range replayed {
		if len(b.Ops) != len(batches[i]) {
			t.Fatalf("batch %d: expected %d ops, got %d", i, len(batches[i]), len(b.Ops))
		}
		for j, op := range b.Ops {
			want := batches[i][j]
			if op.Type != want.Type || op.Space != want.Space || !bytes.Equal(op.Key, want.Key) || !bytes.Equal(op.Value, want.Value) {
				t.Errorf("batch %d op %d: got %+v, want %+v", i, j, op, want)
			}
		}
	}
}

func TestWALReplayCommittedIgnoresUncommittedPrepares(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	if _, err := w.LogBatch([]Op{put("nodes", "n1", "committed")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}
	// Prepare without commit (should be ignored).
	if _, err := w.LogPrepare([]Op{put("nodes", "n2", "lost")}); err != nil {
		t.Fatalf("LogPrepare failed: %v", err)
	}
	_ = w.Close()

	w, err = New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w.Close()

	var keys []string
	err = w.ReplayCommitted(func(b Batch) error {
		for _, op := range b.Ops {
			keys = append(keys, string(op.Key))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayCommitted failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "n1" {
		t.Fatalf("Expected only n1 to be replayed, got %v", keys)
	}
}

func TestWALCheckpoint(t *testing.T) {
	dir := t.TempDir()

	wal, err := New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer wal.Close()

	for i := 1; i <= 5; i++ {
		if _, err := wal.LogBatch([]Op{put("nodes", fmt.Sprintf("n%d", i), "data")}); err != nil {
			t.Fatalf("LogBatch failed: %v", err)
		}
	}

	count, _ := wal.Len()
	if count != 10 {
		t.Errorf("Expected 10 entries before checkpoint, got %d", count)
	}

	if err := wal.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	count, _ = wal.Len()
	if count != 0 {
		t.Errorf("Expected 0 entries after checkpoint, got %d", count)
	}

	if _, err := wal.LogBatch([]Op{put("nodes", "n6", "data")}); err != nil {
		t.Fatalf("LogBatch after checkpoint failed: %v", err)
	}

	count, _ = wal.Len()
	if count != 2 {
		t.Errorf("Expected 2 entries after checkpoint, got %d", count)
	}
}

func TestWALTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, DefaultOptions.FileName)

	wal, err := New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	if _, err := wal.LogBatch([]Op{put("nodes", "n1", "first")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}
	if _, err := wal.LogBatch([]Op{put("nodes", "n2", "second")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}
	wal.Close()

	// Cut into the commit record of the second transaction.
	f, err := os.OpenFile(walPath, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	stat, _ := f.Stat()
	if err := f.Truncate(stat.Size() - 3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	f.Close()

	wal, err = New(func(o *Options) {
		o.Path = dir
	})
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer wal.Close()

	// Records appended after recovery must be replayable.
	if _, err := wal.LogBatch([]Op{put("nodes", "n3", "third")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}

	var keys []string
	if err := wal.ReplayCommitted(func(b Batch) error {
		for _, op := range b.Ops {
			keys = append(keys, string(op.Key))
		}
		return nil
	}); err != nil {
		t.Fatalf("ReplayCommitted failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "n1" || keys[1] != "n3" {
		t.Fatalf("Expected [n1 n3], got %v", keys)
	}
}

func TestWALNeedsCheckpoint(t *testing.T) {
	wal, err := New(func(o *Options) {
		o.Path = t.TempDir()
		o.AutoCheckpointOps = 3
		o.DurabilityMode = DurabilityAsync
	})
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer wal.Close()

	for i := 0; i < 2; i++ {
		if _, err := wal.LogBatch([]Op{put("s", fmt.Sprint(i), "v")}); err != nil {
			t.Fatalf("LogBatch failed: %v", err)
		}
	}
	if wal.NeedsCheckpoint() {
		t.Fatalf("checkpoint requested too early")
	}
	if _, err := wal.LogBatch([]Op{put("s", "x", "v")}); err != nil {
		t.Fatalf("LogBatch failed: %v", err)
	}
	if !wal.NeedsCheckpoint() {
		t.Fatalf("expected checkpoint to be requested")
	}
	if err := wal.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if wal.NeedsCheckpoint() {
		t.Fatalf("checkpoint should reset the counter")
	}
}

func TestWALCompression(t *testing.T) {
	dir := t.TempDir()

	walCompressed, err := New(func(o *Options) {
		o.Path = filepath.Join(dir, "compressed")
		o.Compress = true
		o.CompressionLevel = 3
	})
	if err != nil {
		t.Fatalf("Failed to create compressed WAL: %v", err)
	}

	walUncompressed, err := New(func(o *Options) {
		o.Path = filepath.Join(dir, "uncompressed")
		o.Compress = false
	})
	if err != nil {
		t.Fatalf("Failed to create uncompressed WAL: %v", err)
	}

	const numBatches = 100
	value := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 8)
	for i := 0; i < numBatches; i++ {
		op := Op{Type: OpPut, Space: "nodes", Key: []byte(fmt.Sprintf("n/%05d", i)), Value: value}
		if _, err := walCompressed.LogBatch([]Op{op}); err != nil {
			t.Fatalf("Compressed LogBatch failed: %v", err)
		}
		if _, err := walUncompressed.LogBatch([]Op{op}); err != nil {
			t.Fatalf("Uncompressed LogBatch failed: %v", err)
		}
	}

	walCompressed.Close()
	walUncompressed.Close()

	compressedInfo, err := os.Stat(filepath.Join(dir, "compressed", DefaultOptions.FileName))
	if err != nil {
		t.Fatalf("Failed to stat compressed WAL: %v", err)
	}
	uncompressedInfo, err := os.Stat(filepath.Join(dir, "uncompressed", DefaultOptions.FileName))
	if err != nil {
		t.Fatalf("Failed to stat uncompressed WAL: %v", err)
	}

	ratio := float64(uncompressedInfo.Size()) / float64(compressedInfo.Size())
	t.Logf("Compression ratio: %.2fx", ratio)
	if ratio < 1.5 {
		t.Errorf("Compression ratio too low: %.2fx (expected >= 1.5x)", ratio)
	}

	walCompressed2, err := New(func(o *Options) {
		o.Path = filepath.Join(dir, "compressed")
	})
	if err != nil {
		t.Fatalf("Failed to reopen compressed WAL: %v", err)
	}
	defer walCompressed2.Close()

	replayed := 0
	if err := walCompressed2.ReplayCommitted(func(b Batch) error {
		replayed++
		return nil
	}); err != nil {
		t.Fatalf("ReplayCommitted failed: %v", err)
	}
	if replayed != numBatches {
		t.Errorf("Replayed %d batches, expected %d", replayed, numBatches)
	}
}
