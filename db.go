package loom

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/internal/resource"
	"github.com/hupe1980/loom/ml"
	"github.com/hupe1980/loom/model"
	"github.com/hupe1980/loom/query"
	"github.com/hupe1980/loom/scheduler"
	"github.com/hupe1980/loom/storage"
	"github.com/hupe1980/loom/weaver"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// EdgeRequest describes a new edge.
type EdgeRequest struct {
	From     model.NodeID   `json:"from" validate:"required"`
	To       model.NodeID   `json:"to" validate:"required"`
	Type     model.EdgeType `json:"type" validate:"required"`
	Metadata model.Metadata `json:"metadata,omitempty"`
}

// NeighborsRequest selects the direct neighbors of a node.
type NeighborsRequest struct {
	ID        model.NodeID    `json:"id" validate:"required"`
	Direction model.Direction `json:"direction" validate:"lte=2"`
	// EdgeType restricts the result to one edge type. Empty matches every type.
	EdgeType model.EdgeType `json:"edge_type,omitempty"`
	// Limit caps the result count. 0 means no limit.
	Limit int `json:"limit" validate:"min=0"`
}

// EmbeddingRequest attaches a caller computed vector to a node.
type EmbeddingRequest struct {
	NodeID model.NodeID `json:"node_id" validate:"required"`
	Vector []float32    `json:"vector" validate:"required,min=1"`
	Model  string       `json:"model"`
}

// PathRequest asks for the shortest path between two nodes.
type PathRequest struct {
	From      model.NodeID    `json:"from" validate:"required"`
	To        model.NodeID    `json:"to" validate:"required"`
	Direction model.Direction `json:"direction" validate:"lte=2"`
	EdgeType  model.EdgeType  `json:"edge_type,omitempty"`
	MaxDepth  int             `json:"max_depth" validate:"min=1,max=64"`
}

// Neighbor is an adjacent node and the edge leading to it.
type Neighbor struct {
	Node     model.Node
	EdgeID   model.EdgeID
	EdgeType model.EdgeType
}

// DB is an open loom database. It is safe for concurrent use.
type DB struct {
	opts    Options
	logger  *Logger
	metrics MetricsCollector

	coord  *storage.Coordinator
	query  *query.Engine
	sched  *scheduler.Scheduler
	weaver *weaver.Weaver
	ml     ml.Capability
	io     *resource.Controller

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database in dir.
func Open(dir string, optFns ...func(o *Options)) (*DB, error) {
	return OpenContext(context.Background(), dir, optFns...)
}

// OpenContext is Open with a context for the initial index rebuild. Background
// work outlives ctx and stops with Close.
func OpenContext(ctx context.Context, dir string, optFns ...func(o *Options)) (*DB, error) {
	opts := applyOptions(optFns)
	logger := opts.Logger

	capability, dim := opts.Capability, opts.Dimension
	if capability == nil {
		mock := ml.NewMock(func(o *ml.MockOptions) {
			if dim > 0 {
				o.Dimension = dim
			}
		})
		capability, dim = mock, mock.Dimension()
	}
	if !opts.DisableBreaker {
		capability = ml.NewBreaker(capability, append([]func(o *ml.BreakerOptions){func(o *ml.BreakerOptions) {
			o.Logger = logger.WithComponent("ml").Logger
		}}, opts.Breaker...)...)
	}

	coord, err := storage.Open(ctx, dir, append([]func(o *storage.CoordinatorOptions){func(o *storage.CoordinatorOptions) {
		o.Backend = opts.Backend
		o.Manager = append(o.Manager, func(m *storage.Options) {
			m.Codec = opts.Codec
			m.SyncIndexing = opts.SyncIndexing
			m.CacheSize = opts.CacheSize
		})
		o.Index = append(o.Index, func(i *index.Options) { i.Dimension = dim })
		o.Logger = logger.WithComponent("storage").Logger
	}}, opts.Storage...)...)
	if err != nil {
		logger.LogOp(ctx, "open", err, "dir", dir)
		return nil, err
	}

	activity := scheduler.NewActivityDetector(func(o *scheduler.ActivityOptions) {
		o.LowAfter = opts.LowAfter
		o.SleepAfter = opts.SleepAfter
		o.Now = opts.Now
	})
	sched := scheduler.New(append([]func(o *scheduler.Options){func(o *scheduler.Options) {
		o.Workers = opts.Workers
		o.TasksPerSecond = opts.TasksPerSecond
		o.Activity = activity
		o.Logger = logger.WithComponent("scheduler").Logger
	}}, opts.Scheduler...)...)

	w := weaver.New(coord, coord.Index(), capability, sched, append([]func(o *weaver.Options){func(o *weaver.Options) {
		o.SyncIndexing = opts.SyncIndexing
		o.Logger = logger.WithComponent("weaver").Logger
	}}, opts.Weaver...)...)
	coord.SetEventSink(w)

	db := &DB{
		opts:    opts,
		logger:  logger,
		metrics: opts.MetricsCollector,
		coord:   coord,
		query: query.New(coord, coord.Index(), func(o *query.Options) {
			o.Logger = logger.WithComponent("query").Logger
		}),
		sched:  sched,
		weaver: w,
		ml:     capability,
	}
	if opts.BackupIOLimit > 0 {
		db.io = resource.NewController(resource.Config{IOLimitBytesPerSec: opts.BackupIOLimit})
	}
	sched.Handle(scheduler.RotateTiers, db.rotateTiers)
	sched.Handle(scheduler.BackupPartition, db.backupPartition)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	db.cancel = cancel
	w.Start(runCtx)
	sched.Start(runCtx)
	db.maintain(runCtx)

	logger.InfoContext(ctx, "database opened", "dir", dir, "backend", opts.Backend, "dimension", dim, "model", capability.ModelName())
	return db, nil
}

func (db *DB) check(op string, req any) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if req == nil {
		return nil
	}
	return translateValidation(op, validate.Struct(req))
}

func (db *DB) done(ctx context.Context, op string, err error, args ...any) error {
	db.logger.LogOp(ctx, op, err, args...)
	return err
}

// InsertNode stores a new node. Its ID must be set, usually with model.NewNodeID.
func (db *DB) InsertNode(ctx context.Context, n model.Node) error {
	start := time.Now()
	err := db.check("loom.InsertNode", nil)
	if err == nil {
		err = db.coord.InsertNode(ctx, n)
	}
	db.metrics.RecordInsert(TargetNode, time.Since(start), err)
	return db.done(ctx, "insert node", err, "id", nodeIDOf(n))
}

// GetNode returns the node with the given id.
func (db *DB) GetNode(ctx context.Context, id model.NodeID) (model.Node, error) {
	start := time.Now()
	var n model.Node
	err := db.check("loom.GetNode", nil)
	if err == nil {
		n, err = db.coord.GetNode(ctx, id)
	}
	db.metrics.RecordGet(TargetNode, time.Since(start), err)
	return n, db.done(ctx, "get node", err, "id", id)
}

// UpdateNode replaces a stored node.
func (db *DB) UpdateNode(ctx context.Context, n model.Node) error {
	start := time.Now()
	err := db.check("loom.UpdateNode", nil)
	if err == nil {
		err = db.coord.UpdateNode(ctx, n)
	}
	db.metrics.RecordUpdate(time.Since(start), err)
	return db.done(ctx, "update node", err, "id", nodeIDOf(n))
}

// DeleteNode removes a node and its embedding. Edges pointing at the node are
// kept and resolve to NotFound.
func (db *DB) DeleteNode(ctx context.Context, id model.NodeID) error {
	start := time.Now()
	err := db.check("loom.DeleteNode", nil)
	if err == nil {
		_, err = db.coord.DeleteNode(ctx, id)
	}
	db.metrics.RecordDelete(TargetNode, time.Since(start), err)
	return db.done(ctx, "delete node", err, "id", id)
}

// InsertEdge connects two existing nodes and returns the new edge id.
func (db *DB) InsertEdge(ctx context.Context, req EdgeRequest) (model.EdgeID, error) {
	start := time.Now()
	e := &model.Edge{
		ID:       model.NewEdgeID(),
		From:     req.From,
		To:       req.To,
		Type:     req.Type,
		Metadata: req.Metadata,
	}
	err := db.check("loom.InsertEdge", &req)
	if err == nil {
		err = db.coord.InsertEdge(ctx, e)
	}
	db.metrics.RecordInsert(TargetEdge, time.Since(start), err)
	if err != nil {
		return "", db.done(ctx, "insert edge", err, "from", req.From, "to", req.To, "type", req.Type)
	}
	return e.ID, db.done(ctx, "insert edge", nil, "id", e.ID, "type", e.Type)
}

// GetEdge returns the edge with the given id.
func (db *DB) GetEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error) {
	start := time.Now()
	var e *model.Edge
	err := db.check("loom.GetEdge", nil)
	if err == nil {
		e, err = db.coord.GetEdge(ctx, id)
	}
	db.metrics.RecordGet(TargetEdge, time.Since(start), err)
	return e, db.done(ctx, "get edge", err, "id", id)
}

// DeleteEdge removes an edge.
func (db *DB) DeleteEdge(ctx context.Context, id model.EdgeID) error {
	start := time.Now()
	err := db.check("loom.DeleteEdge", nil)
	if err == nil {
		_, err = db.coord.DeleteEdge(ctx, id)
	}
	db.metrics.RecordDelete(TargetEdge, time.Since(start), err)
	return db.done(ctx, "delete edge", err, "id", id)
}

// Neighbors lists the direct neighbors of a node. Neighbors whose record is
// gone are skipped.
func (db *DB) Neighbors(ctx context.Context, req NeighborsRequest) ([]Neighbor, error) {
	start := time.Now()
	out, err := db.neighbors(ctx, req)
	db.metrics.RecordQuery(len(out), time.Since(start), err)
	return out, db.done(ctx, "neighbors", err, "id", req.ID, "direction", req.Direction, "results", len(out))
}

func (db *DB) neighbors(ctx context.Context, req NeighborsRequest) ([]Neighbor, error) {
	if err := db.check("loom.Neighbors", &req); err != nil {
		return nil, err
	}
	if _, err := db.coord.GetNode(ctx, req.ID); err != nil {
		return nil, err
	}

	var out []Neighbor
	for _, nb := range db.coord.Index().Neighbors(req.ID, req.Direction, req.EdgeType) {
		n, err := db.coord.GetNode(ctx, nb.Node)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Neighbor{Node: n, EdgeID: nb.Edge, EdgeType: nb.Type})
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// InsertEmbedding stores a caller computed vector for a node that has none yet.
func (db *DB) InsertEmbedding(ctx context.Context, req EmbeddingRequest) (model.EmbeddingID, error) {
	start := time.Now()
	emb := &model.Embedding{
		ID:     model.NewEmbeddingID(),
		NodeID: req.NodeID,
		Model:  req.Model,
		Vector: req.Vector,
	}
	err := db.check("loom.InsertEmbedding", &req)
	if err == nil {
		err = db.coord.InsertEmbedding(ctx, emb)
	}
	db.metrics.RecordInsert(TargetEmbedding, time.Since(start), err)
	if err != nil {
		return "", db.done(ctx, "insert embedding", err, "node", req.NodeID)
	}
	return emb.ID, db.done(ctx, "insert embedding", nil, "id", emb.ID, "node", req.NodeID)
}

// EmbeddingOf returns the embedding owned by a node.
func (db *DB) EmbeddingOf(ctx context.Context, id model.NodeID) (*model.Embedding, error) {
	start := time.Now()
	var emb *model.Embedding
	err := db.check("loom.EmbeddingOf", nil)
	if err == nil {
		emb, err = db.coord.EmbeddingForNode(ctx, id)
	}
	db.metrics.RecordGet(TargetEmbedding, time.Since(start), err)
	return emb, db.done(ctx, "get embedding", err, "node", id)
}

// Embed computes a vector for text with the configured capability, for use in
// a semantic filter.
func (db *DB) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := db.check("loom.Embed", nil); err != nil {
		return nil, err
	}
	v, err := db.ml.GenerateEmbedding(ctx, text)
	return v, db.done(ctx, "embed", err, "model", db.ml.ModelName())
}

// Query runs a converged query.
func (db *DB) Query(ctx context.Context, q query.ConvergedQuery) ([]query.Result, error) {
	start := time.Now()
	var results []query.Result
	err := db.check("loom.Query", &q)
	if err == nil {
		results, err = db.query.Execute(ctx, q)
	}
	db.metrics.RecordQuery(len(results), time.Since(start), err)
	return results, db.done(ctx, "query", err, "results", len(results))
}

// ShortestPath finds a path with the fewest hops between two nodes.
func (db *DB) ShortestPath(ctx context.Context, req PathRequest) (*query.Path, error) {
	start := time.Now()
	var p *query.Path
	err := db.check("loom.ShortestPath", &req)
	if err == nil {
		p, err = db.query.ShortestPath(ctx, req.From, req.To, req.Direction, req.EdgeType, req.MaxDepth)
	}
	n := 0
	if p != nil {
		n = len(p.Nodes)
	}
	db.metrics.RecordQuery(n, time.Since(start), err)
	return p, db.done(ctx, "shortest path", err, "from", req.From, "to", req.To)
}

// RecordActivity marks a user interaction. Low priority and batch work pauses
// until the user goes idle again.
func (db *DB) RecordActivity() {
	db.sched.RecordActivity()
}

// SetActivityLevel pins the activity level until the next RecordActivity.
func (db *DB) SetActivityLevel(l scheduler.Level) {
	db.sched.SetLevel(l)
}

// Flush makes every committed write durable.
func (db *DB) Flush(ctx context.Context) error {
	if err := db.check("loom.Flush", nil); err != nil {
		return err
	}
	return db.done(ctx, "flush", db.coord.Flush(ctx))
}

func (db *DB) rotateTiers(ctx context.Context, _ *scheduler.Task) error {
	moved, err := db.coord.RotateTiers(ctx, db.opts.Now(), db.opts.RecentAfter, db.opts.ArchiveAfter)
	db.logger.LogRotation(ctx, moved, err)
	if n := db.coord.Index().CompactVectors(); n > 0 {
		db.logger.DebugContext(ctx, "compacted vector index", "reclaimed", n)
	}
	return err
}

func (db *DB) maintain(ctx context.Context) {
	rotate := db.opts.RotateInterval
	backups := db.opts.BackupInterval
	if db.opts.BackupStore == nil {
		backups = 0
	}
	if rotate <= 0 && backups <= 0 {
		return
	}

	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		var rotateC, backupC <-chan time.Time
		if rotate > 0 {
			t := time.NewTicker(rotate)
			defer t.Stop()
			rotateC = t.C
		}
		if backups > 0 {
			t := time.NewTicker(backups)
			defer t.Stop()
			backupC = t.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-rotateC:
				db.submit(ctx, &scheduler.Task{Kind: scheduler.RotateTiers, Priority: scheduler.Batch})
			case <-backupC:
				set := db.backupSet()
				for _, m := range db.coord.Managers() {
					db.submit(ctx, &scheduler.Task{
						Kind:     scheduler.BackupPartition,
						Priority: scheduler.Batch,
						Payload:  backupJob{Set: set, Partition: m.Partition()},
					})
				}
			}
		}
	}()
}

func (db *DB) submit(ctx context.Context, t *scheduler.Task) {
	if err := db.sched.Submit(t); err != nil {
		db.logger.WarnContext(ctx, "schedule maintenance task", "kind", t.Kind, "error", err)
	}
}

// Close stops background work and closes the storage engines. Queued tasks
// are discarded; running tasks get ShutdownTimeout to finish.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		db.cancel()
		db.wg.Wait()

		var result *multierror.Error
		db.weaver.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), db.opts.ShutdownTimeout)
		defer cancel()
		if err := db.sched.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := db.coord.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		db.closeErr = result.ErrorOrNil()
		db.logger.LogOp(ctx, "close", db.closeErr)
	})
	return db.closeErr
}

func nodeIDOf(n model.Node) model.NodeID {
	if n == nil {
		return ""
	}
	return n.NodeID()
}
