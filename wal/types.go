package wal

import (
	"time"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync represents asynchronous durability.
	// No fsync, fastest writes but risk of data loss on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit represents group commit durability.
	// Batched fsync at regular intervals; a commit returns once its batch is synced.
	DurabilityGroupCommit

	// DurabilitySync represents synchronous durability.
	// fsync after every commit.
	DurabilitySync
)

// EntryType is the on-disk record type.
type EntryType uint8

const (
	// EntryPrepare records one intended mutation of a transaction.
	EntryPrepare EntryType = iota + 1
	// EntryCommit marks every prepared mutation of a transaction as durable.
	// Recovery applies only committed transactions.
	EntryCommit
	// EntryCheckpoint marks the end of the replayable stream.
	EntryCheckpoint
)

// OpType is the kind of key-value mutation.
type OpType uint8

const (
	// OpPut stores a value under a key.
	OpPut OpType = iota + 1
	// OpDelete removes a key.
	OpDelete
)

// Op is one key-value mutation inside a named space.
type Op struct {
	Type  OpType
	Space string
	Key   []byte
	Value []byte
}

// Entry is a single on-disk record.
type Entry struct {
	Type   EntryType
	SeqNum uint64
	TxID   uint64
	// Op is set for EntryPrepare.
	Op Op
	// OpCount is set for EntryCommit and must equal the number of prepares.
	OpCount uint32
}

// Batch is a committed transaction emitted by ReplayCommitted.
type Batch struct {
	TxID   uint64
	SeqNum uint64 // sequence number of the commit record
	Ops    []Op
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// FileName is the WAL file name inside Path.
	FileName string

	// Compress enables zstd compression.
	Compress bool

	// CompressionLevel sets the zstd compression level (1-22). Default 3.
	CompressionLevel int

	// AutoCheckpointOps makes NeedsCheckpoint report true after N committed
	// transactions. 0 disables the operation threshold.
	AutoCheckpointOps int

	// AutoCheckpointMB makes NeedsCheckpoint report true once the WAL exceeds N
	// megabytes. 0 disables the size threshold.
	AutoCheckpointMB int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum commits to batch before fsync in GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	FileName:            "loom.wal",
	Compress:            false,
	CompressionLevel:    3,
	AutoCheckpointOps:   10000,
	AutoCheckpointMB:    64,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
