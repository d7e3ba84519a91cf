package loom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/loom/blobstore"
	"github.com/hupe1980/loom/blobstore/minio"
	"github.com/hupe1980/loom/blobstore/s3"
	"github.com/hupe1980/loom/codec"
	"github.com/hupe1980/loom/weaver"
)

// Config is the file form of Options. Zero values keep the defaults.
//
// Example:
//
//	backend: boltstore
//	dimension: 384
//	scheduler:
//	  workers: 4
//	  low_after: 2m
//	tiers:
//	  recent_after: 168h
//	backup:
//	  target: minio
//	  endpoint: localhost:9000
//	  bucket: loom
//	  access_key: ${MINIO_ACCESS_KEY}
//	  secret_key: ${MINIO_SECRET_KEY}
//	  interval: 24h
//	log:
//	  level: info
//	  format: json
type Config struct {
	Backend      string `yaml:"backend" validate:"omitempty,oneof=logstore boltstore"`
	Codec        string `yaml:"codec" validate:"omitempty,oneof=json go-json msgpack"`
	SyncIndexing *bool  `yaml:"sync_indexing"`
	CacheSize    *int   `yaml:"cache_size" validate:"omitempty,min=0"`
	Dimension    int    `yaml:"dimension" validate:"min=0,max=65536"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Weaver    WeaverConfig    `yaml:"weaver"`
	Tiers     TierConfig      `yaml:"tiers"`
	Backup    BackupConfig    `yaml:"backup"`
	Log       LogConfig       `yaml:"log"`
}

// SchedulerConfig configures background task execution.
type SchedulerConfig struct {
	Workers        int           `yaml:"workers" validate:"min=0,max=256"`
	TasksPerSecond float64       `yaml:"tasks_per_second" validate:"min=0"`
	LowAfter       time.Duration `yaml:"low_after" validate:"min=0"`
	SleepAfter     time.Duration `yaml:"sleep_after" validate:"min=0"`
}

// WeaverConfig configures enrichment.
type WeaverConfig struct {
	QueueSize            int     `yaml:"queue_size" validate:"min=0"`
	SummaryThreshold     int     `yaml:"summary_threshold" validate:"min=0"`
	AssociativeThreshold float32 `yaml:"associative_threshold" validate:"min=0,max=1"`
}

// TierConfig configures tier rotation.
type TierConfig struct {
	RecentAfter    time.Duration `yaml:"recent_after" validate:"min=0"`
	ArchiveAfter   time.Duration `yaml:"archive_after" validate:"min=0"`
	RotateInterval time.Duration `yaml:"rotate_interval" validate:"min=0"`
}

// BackupConfig selects the backup destination.
type BackupConfig struct {
	// Target is local, minio or s3. Empty disables backups.
	Target string `yaml:"target" validate:"omitempty,oneof=local minio s3"`
	// Dir is the directory of the local target.
	Dir string `yaml:"dir" validate:"required_if=Target local"`

	Endpoint  string `yaml:"endpoint" validate:"required_if=Target minio"`
	Bucket    string `yaml:"bucket" validate:"required_if=Target minio,required_if=Target s3"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`

	Interval time.Duration `yaml:"interval" validate:"min=0"`
	// IOLimit is in bytes per second.
	IOLimit int64 `yaml:"io_limit" validate:"min=0"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// LoadConfig reads and validates a YAML config file. ${VAR} references are
// expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loom: read config: %w", err)
	}
	return ParseConfig(bytes.NewReader(b))
}

// ParseConfig decodes and validates a YAML config. Unknown keys are rejected.
func ParseConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("loom: read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(b)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("loom: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and required combinations.
func (c *Config) Validate() error {
	return translateValidation("loom.Config", validate.Struct(c))
}

// Options converts the config into an option function for Open. Remote backup
// targets are connected here, which is why a context is needed.
func (c *Config) Options(ctx context.Context) (func(o *Options), error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var cdc codec.Codec
	if c.Codec != "" {
		var ok bool
		if cdc, ok = codec.ByName(c.Codec); !ok {
			return nil, fmt.Errorf("loom: unknown codec %q", c.Codec)
		}
	}
	store, err := c.Backup.store(ctx)
	if err != nil {
		return nil, err
	}
	logger := c.Log.logger()

	return func(o *Options) {
		if c.Backend != "" {
			o.Backend = c.Backend
		}
		if cdc != nil {
			o.Codec = cdc
		}
		if c.SyncIndexing != nil {
			o.SyncIndexing = *c.SyncIndexing
		}
		if c.CacheSize != nil {
			o.CacheSize = *c.CacheSize
		}
		if c.Dimension > 0 {
			o.Dimension = c.Dimension
		}

		s := c.Scheduler
		if s.Workers > 0 {
			o.Workers = s.Workers
		}
		if s.TasksPerSecond > 0 {
			o.TasksPerSecond = s.TasksPerSecond
		}
		if s.LowAfter > 0 {
			o.LowAfter = s.LowAfter
		}
		if s.SleepAfter > 0 {
			o.SleepAfter = s.SleepAfter
		}

		if w := c.Weaver; w != (WeaverConfig{}) {
			o.Weaver = append(o.Weaver, func(wo *weaver.Options) {
				if w.QueueSize > 0 {
					wo.QueueSize = w.QueueSize
				}
				if w.SummaryThreshold > 0 {
					wo.SummaryThreshold = w.SummaryThreshold
				}
				if w.AssociativeThreshold > 0 {
					wo.AssociativeThreshold = w.AssociativeThreshold
				}
			})
		}

		t := c.Tiers
		if t.RecentAfter > 0 {
			o.RecentAfter = t.RecentAfter
		}
		if t.ArchiveAfter > 0 {
			o.ArchiveAfter = t.ArchiveAfter
		}
		if t.RotateInterval > 0 {
			o.RotateInterval = t.RotateInterval
		}

		if store != nil {
			o.BackupStore = store
			o.BackupInterval = c.Backup.Interval
			o.BackupIOLimit = c.Backup.IOLimit
		}
		if logger != nil {
			o.Logger = logger
		}
	}, nil
}

func (b BackupConfig) store(ctx context.Context) (blobstore.Store, error) {
	switch b.Target {
	case "local":
		return blobstore.NewLocalStore(b.Dir), nil
	case "minio":
		store, err := minio.New(ctx, b.Endpoint, b.Bucket, func(o *minio.Options) {
			o.AccessKey = b.AccessKey
			o.SecretKey = b.SecretKey
			o.Region = b.Region
			o.Secure = b.Secure
			o.Prefix = b.Prefix
			o.CreateBucket = true
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := s3.New(ctx, b.Bucket, func(o *s3.Options) {
			o.Prefix = b.Prefix
			o.Region = b.Region
			o.Endpoint = b.Endpoint
			o.UsePathStyle = b.Endpoint != ""
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (l LogConfig) logger() *Logger {
	if l.Level == "" && l.Format == "" {
		return nil
	}
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	if l.Format == "json" {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}
