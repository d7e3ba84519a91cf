package loom

import (
	"sync/atomic"
	"time"
)

// Target names the record type an operation worked on.
type Target string

const (
	TargetNode      Target = "node"
	TargetEdge      Target = "edge"
	TargetEmbedding Target = "embedding"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the promstats
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordInsert is called after each insert of a node, edge or embedding.
	RecordInsert(target Target, duration time.Duration, err error)

	// RecordGet is called after each point read.
	RecordGet(target Target, duration time.Duration, err error)

	// RecordUpdate is called after each node update.
	RecordUpdate(duration time.Duration, err error)

	// RecordDelete is called after each delete.
	RecordDelete(target Target, duration time.Duration, err error)

	// RecordQuery is called after each converged query, neighbor listing and
	// path search. results is the number of nodes returned.
	RecordQuery(results int, duration time.Duration, err error)

	// RecordBackup is called after each partition backup.
	RecordBackup(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(Target, time.Duration, error) {}
func (NoopMetricsCollector) RecordGet(Target, time.Duration, error)    {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)         {}
func (NoopMetricsCollector) RecordDelete(Target, time.Duration, error) {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordBackup(int64, time.Duration, error)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	UpdateCount      atomic.Int64
	UpdateErrors     atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryResults     atomic.Int64
	QueryTotalNanos  atomic.Int64
	BackupCount      atomic.Int64
	BackupErrors     atomic.Int64
	BackupBytes      atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(_ Target, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(_ Target, _ time.Duration, err error) {
	b.GetCount.Add(1)
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(_ time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ Target, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(results int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	b.QueryResults.Add(int64(results))
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordBackup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackup(bytes int64, _ time.Duration, err error) {
	b.BackupCount.Add(1)
	b.BackupBytes.Add(bytes)
	if err != nil {
		b.BackupErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:    b.InsertCount.Load(),
		InsertErrors:   b.InsertErrors.Load(),
		InsertAvgNanos: avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		GetCount:       b.GetCount.Load(),
		GetErrors:      b.GetErrors.Load(),
		UpdateCount:    b.UpdateCount.Load(),
		UpdateErrors:   b.UpdateErrors.Load(),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
		QueryCount:     b.QueryCount.Load(),
		QueryErrors:    b.QueryErrors.Load(),
		QueryResults:   b.QueryResults.Load(),
		QueryAvgNanos:  avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		BackupCount:    b.BackupCount.Load(),
		BackupErrors:   b.BackupErrors.Load(),
		BackupBytes:    b.BackupBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount    int64
	InsertErrors   int64
	InsertAvgNanos int64
	GetCount       int64
	GetErrors      int64
	UpdateCount    int64
	UpdateErrors   int64
	DeleteCount    int64
	DeleteErrors   int64
	QueryCount     int64
	QueryErrors    int64
	QueryResults   int64
	QueryAvgNanos  int64
	BackupCount    int64
	BackupErrors   int64
	BackupBytes    int64
}
