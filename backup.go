package loom

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/loom/backup"
	"github.com/hupe1980/loom/blobstore"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/scheduler"
	"github.com/hupe1980/loom/storage"
)

const backupExt = ".loom"

// BackupReport lists the blobs of one backup set.
type BackupReport struct {
	// Set is the blob name prefix shared by every partition of the backup.
	Set        string
	Partitions []PartitionBackup
}

// PartitionBackup describes the dump of one partition.
type PartitionBackup struct {
	Partition model.Partition
	Blob      string
	Records   int64
	Bytes     int64
}

type backupJob struct {
	Set       string
	Partition model.Partition
}

func (db *DB) backupSet() string {
	return path.Join(db.opts.BackupPrefix, db.opts.Now().UTC().Format("20060102T150405.000Z"))
}

func backupBlob(set string, p model.Partition) string {
	return path.Join(set, p.String()+backupExt)
}

// Backup dumps every open partition into a new backup set of BackupStore.
// Each partition is read from one consistent snapshot; partitions are not
// consistent with each other.
func (db *DB) Backup(ctx context.Context) (*BackupReport, error) {
	if err := db.check("loom.Backup", nil); err != nil {
		return nil, err
	}
	if db.opts.BackupStore == nil {
		return nil, db.done(ctx, "backup", model.InvalidOperation("loom.Backup", "no backup store configured"))
	}

	report := &BackupReport{Set: db.backupSet()}
	for _, m := range db.coord.Managers() {
		pb, err := db.backupManager(ctx, report.Set, m)
		if err != nil {
			return nil, err
		}
		report.Partitions = append(report.Partitions, pb)
	}
	return report, db.done(ctx, "backup", nil, "set", report.Set, "partitions", len(report.Partitions))
}

func (db *DB) backupPartition(ctx context.Context, t *scheduler.Task) error {
	job, ok := t.Payload.(backupJob)
	if !ok {
		return scheduler.Permanent(model.InvalidOperation("loom.backupPartition", "unexpected payload %T", t.Payload))
	}
	if db.opts.BackupStore == nil {
		return scheduler.Permanent(model.InvalidOperation("loom.backupPartition", "no backup store configured"))
	}
	m := db.coord.Manager(job.Partition)
	if m == nil {
		return nil
	}
	_, err := db.backupManager(ctx, job.Set, m)
	return err
}

func (db *DB) backupManager(ctx context.Context, set string, m *storage.Manager) (PartitionBackup, error) {
	start := time.Now()
	p := m.Partition()
	blob := backupBlob(set, p)

	stats, err := backup.Write(ctx, db.opts.BackupStore, blob, m.Engine(), func(o *backup.Options) {
		o.Spaces = storage.Spaces
		o.Partition = p.String()
		o.IO = db.io
		o.Now = db.opts.Now
		o.Logger = db.logger.WithPartition(p).Logger
	})
	db.metrics.RecordBackup(stats.Bytes, time.Since(start), err)
	db.logger.LogBackup(ctx, blob, stats.Records, stats.Bytes, err)
	if err != nil {
		return PartitionBackup{}, err
	}
	return PartitionBackup{Partition: p, Blob: blob, Records: stats.Records, Bytes: stats.Bytes}, nil
}

// Restore loads the backup set written by Backup from store into the database
// directory dir, which must not hold the restored partitions yet. Backend and
// Storage of optFns select the engines that are created; open the directory
// with Open afterwards.
func Restore(ctx context.Context, store blobstore.Store, set, dir string, optFns ...func(o *Options)) (*BackupReport, error) {
	const op = "loom.Restore"
	opts := applyOptions(optFns)

	set = strings.TrimSuffix(set, "/")
	names, err := store.List(ctx, set+"/")
	if err != nil {
		return nil, model.Backend(op, err)
	}

	report := &BackupReport{Set: set}
	for _, name := range names {
		rel := strings.TrimPrefix(name, set+"/")
		if !strings.HasSuffix(rel, backupExt) {
			continue
		}
		p, err := model.ParsePartition(strings.TrimSuffix(rel, backupExt))
		if err != nil {
			return nil, err
		}

		pb, err := restorePartition(ctx, store, name, storage.PartitionDir(dir, p), opts)
		if err != nil {
			opts.Logger.LogOp(ctx, "restore", err, "blob", name)
			return nil, err
		}
		pb.Partition = p
		report.Partitions = append(report.Partitions, pb)
	}
	if len(report.Partitions) == 0 {
		return nil, model.NotFound(op, "backup set %q", set)
	}
	opts.Logger.InfoContext(ctx, "backup restored", "set", set, "partitions", len(report.Partitions))
	return report, nil
}

func restorePartition(ctx context.Context, store blobstore.Store, name, dir string, opts Options) (_ PartitionBackup, err error) {
	engine, err := storage.OpenEngine(dir, append([]func(o *storage.CoordinatorOptions){func(o *storage.CoordinatorOptions) {
		o.Backend = opts.Backend
		o.Logger = opts.Logger.Logger
	}}, opts.Storage...)...)
	if err != nil {
		return PartitionBackup{}, err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	stats, err := backup.Read(ctx, store, name, engine, func(o *backup.Options) {
		o.Logger = opts.Logger.Logger
	})
	if err != nil {
		return PartitionBackup{}, err
	}
	return PartitionBackup{Blob: name, Records: stats.Records, Bytes: stats.Bytes}, nil
}
