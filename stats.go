package loom

import (
	"context"

	"github.com/hupe1980/loom/index/vector"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/scheduler"
)

// Stats is a point in time view of the database.
type Stats struct {
	Nodes      map[model.NodeKind]int
	Edges      int
	Embeddings int
	// SizeOnDisk is the total size of every partition directory in bytes.
	SizeOnDisk int64
	Partitions int

	// Queued is the number of waiting tasks per priority.
	Queued         map[scheduler.Priority]int
	RunningTasks   int
	CompletedTasks uint64
	FailedTasks    uint64
	RetriedTasks   uint64
	DroppedTasks   uint64
	Activity       scheduler.Level

	// EventQueue is the number of events waiting for the weaver.
	EventQueue      int
	EventsProcessed uint64
	EventsDropped   uint64

	VectorIndex vector.Stats
}

// TotalNodes returns the sum of the per kind node counts.
func (s Stats) TotalNodes() int {
	n := 0
	for _, c := range s.Nodes {
		n += c
	}
	return n
}

// Stats collects counters from storage, the scheduler, the weaver and the
// vector index. Record counts scan every partition.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	if err := db.check("loom.Stats", nil); err != nil {
		return Stats{}, err
	}
	counts, err := db.coord.Counts(ctx)
	if err != nil {
		return Stats{}, db.done(ctx, "stats", err)
	}
	size, err := db.coord.SizeOnDisk()
	if err != nil {
		return Stats{}, db.done(ctx, "stats", err)
	}

	sched := db.sched.Stats()
	events := db.weaver.Stats()
	return Stats{
		Nodes:           counts.Nodes,
		Edges:           counts.Edges,
		Embeddings:      counts.Embeddings,
		SizeOnDisk:      size,
		Partitions:      len(db.coord.Managers()),
		Queued:          sched.Queued,
		RunningTasks:    sched.Running,
		CompletedTasks:  sched.Completed,
		FailedTasks:     sched.Failed,
		RetriedTasks:    sched.Retried,
		DroppedTasks:    sched.Dropped,
		Activity:        sched.Level,
		EventQueue:      events.Queued,
		EventsProcessed: events.Dispatched,
		EventsDropped:   events.Dropped,
		VectorIndex:     db.coord.Index().Stats().Vectors,
	}, nil
}
