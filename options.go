package loom

import (
	"log/slog"
	"time"

	"github.com/hupe1980/loom/blobstore"
	"github.com/hupe1980/loom/codec"
	"github.com/hupe1980/loom/ml"
	"github.com/hupe1980/loom/scheduler"
	"github.com/hupe1980/loom/storage"
	"github.com/hupe1980/loom/weaver"
)

// Options configures Open.
type Options struct {
	// Backend selects the storage engine: storage.BackendLogstore or
	// storage.BackendBoltstore.
	Backend string

	// Codec encodes records of newly created partitions.
	Codec codec.Codec

	// SyncIndexing updates indexes inside every write. When false the weaver
	// indexes nodes and embeddings in the background.
	SyncIndexing bool

	// CacheSize bounds the node record cache of each partition.
	CacheSize int

	// Dimension fixes the embedding dimension. 0 takes it from the first
	// embedding, or from the default capability when Capability is nil.
	Dimension int

	// Capability provides embeddings, entities and summaries. Nil uses the
	// deterministic ml.Mock.
	Capability ml.Capability

	// DisableBreaker calls Capability without a circuit breaker.
	DisableBreaker bool
	Breaker        []func(o *ml.BreakerOptions)

	// Workers is the number of background tasks that may run at once.
	Workers int
	// TasksPerSecond limits background task starts. 0 means unlimited.
	TasksPerSecond float64

	// LowAfter and SleepAfter are the idle times after which the activity
	// level drops to Low and Sleep.
	LowAfter   time.Duration
	SleepAfter time.Duration

	// RecentAfter and ArchiveAfter are the node ages at which tier rotation
	// moves conversation records from Active to Recent and from Recent to Archive.
	RecentAfter  time.Duration
	ArchiveAfter time.Duration
	// RotateInterval is how often a tier rotation task is scheduled. 0 disables it.
	RotateInterval time.Duration

	// BackupStore receives backups. Backup fails when it is nil.
	BackupStore blobstore.Store
	// BackupPrefix is prepended to backup blob names.
	BackupPrefix string
	// BackupInterval is how often backup tasks are scheduled. 0 disables them.
	BackupInterval time.Duration
	// BackupIOLimit throttles backup writes in bytes per second. 0 means unlimited.
	BackupIOLimit int64

	// Now is the clock of the activity detector and tier rotation.
	Now func() time.Time

	// ShutdownTimeout bounds how long Close waits for running tasks.
	ShutdownTimeout time.Duration

	Storage   []func(o *storage.CoordinatorOptions)
	Scheduler []func(o *scheduler.Options)
	Weaver    []func(o *weaver.Options)

	MetricsCollector MetricsCollector
	Logger           *Logger
}

// DefaultOptions contains the default database options.
var DefaultOptions = Options{
	Backend:        storage.BackendLogstore,
	Codec:          codec.Default,
	SyncIndexing:   true,
	CacheSize:      storage.DefaultOptions.CacheSize,
	Workers:        scheduler.DefaultOptions.Workers,
	LowAfter:       scheduler.DefaultActivityOptions.LowAfter,
	SleepAfter:     scheduler.DefaultActivityOptions.SleepAfter,
	RecentAfter:    7 * 24 * time.Hour,
	ArchiveAfter:   90 * 24 * time.Hour,
	RotateInterval: time.Hour,
	BackupPrefix:   "loom",

	ShutdownTimeout: 30 * time.Second,
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	db, _ := loom.Open(dir, loom.WithLogger(loom.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) func(o *Options) {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) func(o *Options) {
	return func(o *Options) {
		o.Logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &loom.BasicMetricsCollector{}
//	db, _ := loom.Open(dir, loom.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) func(o *Options) {
	return func(o *Options) {
		o.MetricsCollector = mc
	}
}

// WithBackupStore configures the destination of Backup.
func WithBackupStore(store blobstore.Store) func(o *Options) {
	return func(o *Options) {
		o.BackupStore = store
	}
}

func applyOptions(optFns []func(o *Options)) Options {
	o := DefaultOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.Logger == nil {
		o.Logger = NoopLogger()
	}
	if o.MetricsCollector == nil {
		o.MetricsCollector = NoopMetricsCollector{}
	}
	if o.Codec == nil {
		o.Codec = codec.Default
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultOptions.ShutdownTimeout
	}
	if o.ArchiveAfter < o.RecentAfter {
		o.ArchiveAfter = o.RecentAfter
	}
	return o
}
