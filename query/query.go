// Package query implements the two-stage converged query engine.
//
// Stage one narrows the candidate set with exact indexes: structural filters are
// intersected with each other and with the nodes reachable through an optional
// graph filter. Stage two ranks the candidates by vector similarity when a
// semantic filter is present; otherwise candidates are returned in id order.
// Offset and limit apply last, after nodes whose record is gone were skipped.
package query

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/loom/index"
	"github.com/hupe1980/loom/index/structural"
	"github.com/hupe1980/loom/model"
)

// StructuralFilter matches one indexed field.
type StructuralFilter = structural.Filter

// GraphFilter restricts candidates to nodes reachable from Start.
type GraphFilter struct {
	Start     model.NodeID    `json:"start" validate:"required"`
	Direction model.Direction `json:"direction"`
	// EdgeType restricts traversal to one edge type. Empty follows every type.
	EdgeType model.EdgeType `json:"edge_type,omitempty"`
	Depth    int            `json:"depth" validate:"min=1"`
}

// SemanticFilter ranks candidates by similarity to Vector.
type SemanticFilter struct {
	Vector    []float32 `json:"vector" validate:"required,min=1"`
	TopK      int       `json:"top_k" validate:"min=1"`
	Threshold float32   `json:"threshold"`
}

// ConvergedQuery combines structural, graph and semantic filters.
type ConvergedQuery struct {
	StructuralFilters []StructuralFilter `json:"structural_filters,omitempty"`
	GraphFilter       *GraphFilter       `json:"graph_filter,omitempty"`
	SemanticFilter    *SemanticFilter    `json:"semantic_filter,omitempty"`
	// Limit caps the result count. 0 means no limit.
	Limit  int `json:"limit" validate:"min=0"`
	Offset int `json:"offset" validate:"min=0"`
}

// Result is one matching node.
type Result struct {
	Node model.Node
	// Similarity is set when the query carried a semantic filter.
	Similarity float32
	Scored     bool
}

// NodeStore resolves ids to records.
type NodeStore interface {
	GetNode(ctx context.Context, id model.NodeID) (model.Node, error)
	GetEdge(ctx context.Context, id model.EdgeID) (*model.Edge, error)
}

// Options configures an Engine.
type Options struct {
	// MaxCandidates bounds the stage-one candidate set.
	MaxCandidates int
	Logger        *slog.Logger
}

// DefaultOptions contains the default query options.
var DefaultOptions = Options{
	MaxCandidates: 10000,
}

// Engine executes converged queries. It is safe for concurrent use.
type Engine struct {
	store  NodeStore
	idx    *index.Set
	opts   Options
	logger *slog.Logger
}

// New creates an Engine reading indexes from idx and records from store.
func New(store NodeStore, idx *index.Set, optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, idx: idx, opts: opts, logger: opts.Logger}
}

func validate(q *ConvergedQuery) error {
	const op = "query.Execute"
	if q.Limit < 0 || q.Offset < 0 {
		return model.InvalidOperation(op, "limit and offset must not be negative")
	}
	if len(q.StructuralFilters) == 0 && q.GraphFilter == nil && q.SemanticFilter == nil {
		return model.InvalidOperation(op, "query has no filter")
	}
	if g := q.GraphFilter; g != nil {
		if err := model.ValidateNodeID(op, g.Start); err != nil {
			return err
		}
		if g.Direction > model.Both {
			return model.InvalidOperation(op, "unknown direction %d", g.Direction)
		}
	}
	if s := q.SemanticFilter; s != nil {
		if len(s.Vector) == 0 {
			return model.InvalidOperation(op, "semantic filter has no vector")
		}
		if s.TopK < 1 {
			return model.InvalidOperation(op, "top_k must be at least 1, got %d", s.TopK)
		}
	}
	return nil
}

// candidates runs stage one. A nil bitmap means no stage-one filter was given.
func (e *Engine) candidates(q *ConvergedQuery) (*roaring.Bitmap, error) {
	var c *roaring.Bitmap
	if len(q.StructuralFilters) > 0 {
		b, err := e.idx.Filter(q.StructuralFilters...)
		if err != nil {
			return nil, err
		}
		c = b
	}
	if g := q.GraphFilter; g != nil {
		b, err := e.idx.Traverse(g.Start, g.Direction, g.EdgeType, g.Depth)
		if err != nil {
			return nil, err
		}
		if c == nil {
			c = b
		} else {
			c.And(b)
		}
	}
	if c != nil && int(c.GetCardinality()) > e.opts.MaxCandidates {
		return nil, model.InvalidOperation("query.Execute", "%d candidates exceed the limit of %d; narrow the filters",
			c.GetCardinality(), e.opts.MaxCandidates)
	}
	return c, nil
}

// Execute runs q.
func (e *Engine) Execute(ctx context.Context, q ConvergedQuery) ([]Result, error) {
	if err := validate(&q); err != nil {
		return nil, err
	}
	c, err := e.candidates(&q)
	if err != nil {
		return nil, err
	}

	var ranked []candidate
	if s := q.SemanticFilter; s != nil {
		hits, err := e.idx.Search(s.Vector, s.TopK, c)
		if err != nil {
			return nil, err
		}
		hits = slices.DeleteFunc(hits, func(h index.Hit) bool { return h.Similarity < s.Threshold })
		slices.SortStableFunc(hits, func(a, b index.Hit) int {
			if a.Similarity != b.Similarity {
				if a.Similarity > b.Similarity {
					return -1
				}
				return 1
			}
			return strings.Compare(string(a.ID), string(b.ID))
		})
		ranked = make([]candidate, len(hits))
		for i, h := range hits {
			ranked[i] = candidate{id: h.ID, similarity: h.Similarity, scored: true}
		}
	} else {
		ids := e.idx.Resolve(c)
		ranked = make([]candidate, len(ids))
		for i, id := range ids {
			ranked[i] = candidate{id: id}
		}
	}

	out, err := e.fetch(ctx, ranked, q.Offset, q.Limit)
	if err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "query executed", "candidates", cardinality(c), "ranked", len(ranked), "returned", len(out))
	return out, nil
}

type candidate struct {
	id         model.NodeID
	similarity float32
	scored     bool
}

// fetch loads the records of ranked in order, skipping ids whose record is gone,
// then applies offset and limit.
func (e *Engine) fetch(ctx context.Context, ranked []candidate, offset, limit int) ([]Result, error) {
	var out []Result
	skipped := 0
	for _, c := range ranked {
		if limit > 0 && len(out) == limit {
			break
		}
		n, err := e.store.GetNode(ctx, c.id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, Result{Node: n, Similarity: c.similarity, Scored: c.scored})
	}
	return out, nil
}

func cardinality(b *roaring.Bitmap) int {
	if b == nil {
		return -1
	}
	return int(b.GetCardinality())
}
