package loom

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loom/storage"
)

const sampleConfig = `
backend: boltstore
codec: msgpack
cache_size: 128
dimension: 64
scheduler:
  workers: 3
  low_after: 2m
  sleep_after: 20m
weaver:
  summary_threshold: 10
tiers:
  recent_after: 48h
  archive_after: 720h
backup:
  target: local
  dir: ${LOOM_TEST_BACKUP_DIR}
  interval: 24h
  io_limit: 1048576
log:
  level: warn
  format: json
`

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_TEST_BACKUP_DIR", dir)

	cfg, err := ParseConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, storage.BackendBoltstore, cfg.Backend)
	assert.Equal(t, 64, cfg.Dimension)
	require.NotNil(t, cfg.CacheSize)
	assert.Equal(t, 128, *cfg.CacheSize)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.LowAfter)
	assert.Equal(t, dir, cfg.Backup.Dir)

	fn, err := cfg.Options(context.Background())
	require.NoError(t, err)
	opts := applyOptions([]func(o *Options){fn})
	assert.Equal(t, storage.BackendBoltstore, opts.Backend)
	assert.Equal(t, "msgpack", opts.Codec.Name())
	assert.Equal(t, 128, opts.CacheSize)
	assert.Equal(t, 64, opts.Dimension)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 20*time.Minute, opts.SleepAfter)
	assert.Equal(t, 48*time.Hour, opts.RecentAfter)
	assert.Equal(t, 720*time.Hour, opts.ArchiveAfter)
	assert.Equal(t, DefaultOptions.RotateInterval, opts.RotateInterval)
	assert.NotNil(t, opts.BackupStore)
	assert.Equal(t, 24*time.Hour, opts.BackupInterval)
	assert.Equal(t, int64(1<<20), opts.BackupIOLimit)
	assert.Len(t, opts.Weaver, 1)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)

	fn, err := cfg.Options(context.Background())
	require.NoError(t, err)
	opts := applyOptions([]func(o *Options){fn})
	assert.Equal(t, DefaultOptions.Backend, opts.Backend)
	assert.Nil(t, opts.BackupStore)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"unknown key", "backend: logstore\nshards: 4\n", ""},
		{"bad backend", "backend: rocksdb\n", "backend must be one of"},
		{"local without dir", "backup:\n  target: local\n", "backup.dir"},
		{"minio without bucket", "backup:\n  target: minio\n  endpoint: localhost:9000\n", "backup.bucket"},
		{"threshold out of range", "weaver:\n  associative_threshold: 1.5\n", "weaver.associative_threshold must be at most 1"},
		{"bad log level", "log:\n  level: trace\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.field == "" {
				return
			}
			assert.ErrorIs(t, err, ErrInvalidOperation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, strings.Join(verr.Fields, "; "), tt.field)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: logstore\nlog:\n  level: debug\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendLogstore, cfg.Backend)
	assert.NotNil(t, cfg.Log.logger())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigOpensDatabase(t *testing.T) {
	backups := t.TempDir()
	cfg, err := ParseConfig(strings.NewReader("backend: boltstore\ndimension: 16\nbackup:\n  target: local\n  dir: " + backups + "\n"))
	require.NoError(t, err)
	fn, err := cfg.Options(context.Background())
	require.NoError(t, err)

	db := openDB(t, t.TempDir(), fn, func(o *Options) { o.Dimension = 16 })
	report, err := db.Backup(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.Set)
}
