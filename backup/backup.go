// Package backup dumps storage engines to blob stores and loads them back.
//
// A dump is one lz4 frame holding a msgpack stream: a Header, one record per
// stored key, and a trailing record carrying the record count. Dumps are
// backend neutral, so a logstore dump restores into a boltstore engine and
// the other way around.
//
// Dump reads a single consistent snapshot of the engine. The snapshot is
// encoded in memory and written out after it is released, so a slow or rate
// limited destination never holds up writers.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/loom/blobstore"
	"github.com/hupe1980/loom/internal/resource"
	"github.com/hupe1980/loom/kv"
	"github.com/hupe1980/loom/model"
)

const (
	// Format identifies loom dumps.
	Format = "loom-backup"
	// Version is the dump layout version written by this package.
	Version = 1
)

// Header describes a dump.
type Header struct {
	Format    string   `msgpack:"format"`
	Version   int      `msgpack:"version"`
	Backend   string   `msgpack:"backend"`
	Partition string   `msgpack:"partition,omitempty"`
	Spaces    []string `msgpack:"spaces"`
	// CreatedAt is in Unix milliseconds.
	CreatedAt int64 `msgpack:"created_at"`
}

type record struct {
	Space string `msgpack:"s,omitempty"`
	Key   []byte `msgpack:"k,omitempty"`
	Value []byte `msgpack:"v"`
	// End marks the trailer; Count is only set there.
	End   bool  `msgpack:"e,omitempty"`
	Count int64 `msgpack:"n,omitempty"`
}

// Options configures dumps and restores.
type Options struct {
	// Spaces selects the key spaces to dump. Required for Dump.
	Spaces []string
	// Partition is recorded in the header.
	Partition string
	// BatchSize is the number of records restored per transaction.
	BatchSize int
	// Overwrite allows restoring into spaces that already hold keys.
	Overwrite bool
	// IO throttles blob reads and writes. Nil means unlimited.
	IO *resource.Controller
	// Now stamps the header.
	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultOptions contains the default backup options.
var DefaultOptions = Options{
	BatchSize: 512,
	Now:       time.Now,
}

func options(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return opts
}

// Stats reports what a dump or restore covered.
type Stats struct {
	Header  Header
	Records int64
	// Bytes is the compressed size of the dump.
	Bytes int64
}

// Dump writes the selected spaces of e to w.
func Dump(ctx context.Context, e kv.Engine, w io.Writer, optFns ...func(o *Options)) (Stats, error) {
	const op = "backup.Dump"
	opts := options(optFns)
	if len(opts.Spaces) == 0 {
		return Stats{}, model.InvalidOperation(op, "no spaces selected")
	}

	hdr := Header{
		Format:    Format,
		Version:   Version,
		Backend:   e.Name(),
		Partition: opts.Partition,
		Spaces:    opts.Spaces,
		CreatedAt: opts.Now().UnixMilli(),
	}

	var buf bytes.Buffer
	var records int64
	err := e.View(ctx, func(r kv.Reader) error {
		zw := lz4.NewWriter(&buf)
		enc := msgpack.NewEncoder(zw)
		if err := enc.Encode(&hdr); err != nil {
			return model.Serialization(op, err)
		}
		for _, space := range opts.Spaces {
			err := r.ScanPrefix(space, nil, func(key, value []byte) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				records++
				return enc.Encode(&record{Space: space, Key: key, Value: value})
			})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				return model.Backend(op, err)
			}
		}
		if err := enc.Encode(&record{End: true, Count: records}); err != nil {
			return model.Serialization(op, err)
		}
		return zw.Close()
	})
	if err != nil {
		return Stats{}, err
	}

	n, err := io.Copy(w, &buf)
	if err != nil {
		return Stats{}, model.Backend(op, err)
	}
	opts.Logger.DebugContext(ctx, "dumped engine", "backend", hdr.Backend, "partition", hdr.Partition, "records", records, "bytes", n)
	return Stats{Header: hdr, Records: records, Bytes: n}, nil
}

// Restore loads a dump from r into e.
func Restore(ctx context.Context, e kv.Engine, r io.Reader, optFns ...func(o *Options)) (Stats, error) {
	const op = "backup.Restore"
	opts := options(optFns)

	cr := &countingReader{r: r}
	dec := msgpack.NewDecoder(lz4.NewReader(cr))

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return Stats{}, model.Serialization(op, fmt.Errorf("read header: %w", err))
	}
	if hdr.Format != Format {
		return Stats{}, model.InvalidOperation(op, "not a loom dump (format %q)", hdr.Format)
	}
	if hdr.Version != Version {
		return Stats{}, model.InvalidOperation(op, "unsupported dump version %d", hdr.Version)
	}
	if !opts.Overwrite {
		if err := ensureEmpty(ctx, op, e, hdr.Spaces); err != nil {
			return Stats{}, err
		}
	}

	batch := make([]record, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := kv.Update(ctx, e, func(tx kv.Txn) error {
			for _, rec := range batch {
				if err := tx.Put(rec.Space, rec.Key, rec.Value); err != nil {
					return err
				}
			}
			return nil
		})
		batch = batch[:0]
		return err
	}

	var records int64
	for {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Stats{}, model.Serialization(op, fmt.Errorf("read record %d: %w", records, err))
		}
		if rec.End {
			if rec.Count != records {
				return Stats{}, model.Serialization(op, fmt.Errorf("dump holds %d records, trailer says %d", records, rec.Count))
			}
			break
		}
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		records++
		batch = append(batch, rec)
		if len(batch) == opts.BatchSize {
			if err := flush(); err != nil {
				return Stats{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return Stats{}, err
	}
	if err := e.Flush(ctx); err != nil {
		return Stats{}, err
	}

	opts.Logger.DebugContext(ctx, "restored engine", "backend", e.Name(), "partition", hdr.Partition, "records", records)
	return Stats{Header: hdr, Records: records, Bytes: cr.n}, nil
}

func ensureEmpty(ctx context.Context, op string, e kv.Engine, spaces []string) error {
	for _, space := range spaces {
		for _, err := range e.ScanPrefix(ctx, space, nil) {
			if err != nil {
				return err
			}
			return model.InvalidOperation(op, "space %q is not empty", space)
		}
	}
	return nil
}

// Write dumps e into the blob name of store.
func Write(ctx context.Context, store blobstore.Store, name string, e kv.Engine, optFns ...func(o *Options)) (Stats, error) {
	opts := options(optFns)
	w, err := store.Create(ctx, name)
	if err != nil {
		return Stats{}, model.Backend("backup.Write", err)
	}

	stats, err := Dump(ctx, e, resource.NewRateLimitedWriter(ctx, w, opts.IO), func(o *Options) { *o = opts })
	if err != nil {
		_ = blobstore.Abort(ctx, w)
		return Stats{}, err
	}
	if err := w.Close(); err != nil {
		return Stats{}, model.Backend("backup.Write", err)
	}
	opts.Logger.InfoContext(ctx, "backup written", "blob", name, "records", stats.Records, "bytes", stats.Bytes)
	return stats, nil
}

// Read restores the blob name of store into e.
func Read(ctx context.Context, store blobstore.Store, name string, e kv.Engine, optFns ...func(o *Options)) (Stats, error) {
	const op = "backup.Read"
	opts := options(optFns)

	b, err := store.Open(ctx, name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Stats{}, model.NotFound(op, "backup %q", name)
	}
	if err != nil {
		return Stats{}, model.Backend(op, err)
	}
	defer func() { _ = b.Close() }()

	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return Stats{}, model.Backend(op, err)
	}
	defer func() { _ = r.Close() }()

	return Restore(ctx, e, resource.NewRateLimitedReader(ctx, r, opts.IO), func(o *Options) { *o = opts })
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
