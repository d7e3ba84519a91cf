package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/loom/model"
)

// Kind identifies what a task does. The set is closed.
type Kind uint8

const (
	GenerateEmbedding Kind = iota
	ExtractEntities
	LinkEntities
	GenerateSummary
	CreateAssociativeLinks
	IndexNode
	UpdateVectorIndex
	RotateTiers
	BackupPartition
)

// Kinds lists every task kind.
var Kinds = []Kind{
	GenerateEmbedding, ExtractEntities, LinkEntities, GenerateSummary,
	CreateAssociativeLinks, IndexNode, UpdateVectorIndex, RotateTiers, BackupPartition,
}

func (k Kind) String() string {
	switch k {
	case GenerateEmbedding:
		return "generate_embedding"
	case ExtractEntities:
		return "extract_entities"
	case LinkEntities:
		return "link_entities"
	case GenerateSummary:
		return "generate_summary"
	case CreateAssociativeLinks:
		return "create_associative_links"
	case IndexNode:
		return "index_node"
	case UpdateVectorIndex:
		return "update_vector_index"
	case RotateTiers:
		return "rotate_tiers"
	case BackupPartition:
		return "backup_partition"
	default:
		return "unknown"
	}
}

// Priority orders tasks. Lower values run first.
type Priority uint8

const (
	Urgent Priority = iota
	Normal
	Low
	Batch

	numPriorities = int(Batch) + 1
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{Urgent, Normal, Low, Batch}

func (p Priority) String() string {
	switch p {
	case Urgent:
		return "urgent"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Batch:
		return "batch"
	default:
		return "unknown"
	}
}

// Task is a unit of background work.
type Task struct {
	ID       string
	Kind     Kind
	Priority Priority
	// Target is the node the task works on, if any.
	Target model.NodeID
	// Payload carries kind specific input.
	Payload any
	// Attempts counts executions so far.
	Attempts   int
	EnqueuedAt time.Time

	seq uint64
}

// Handler executes one task.
type Handler func(ctx context.Context, t *Task) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}
