// Package structural is an inverted index from field values to roaring bitmaps of
// node ordinals.
//
// Every field keeps its distinct values sorted, so range and prefix operators walk
// only the matching slice of values and OR their posting lists together.
package structural

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/loom/model"
)

type posting struct {
	field string
	value Value
}

type fieldIndex struct {
	postings map[Value]*roaring.Bitmap
	sorted   []Value
}

func newFieldIndex() *fieldIndex {
	return &fieldIndex{postings: make(map[Value]*roaring.Bitmap)}
}

func (fi *fieldIndex) add(v Value, id uint32) {
	b, ok := fi.postings[v]
	if !ok {
		b = roaring.New()
		fi.postings[v] = b
		i, _ := slices.BinarySearchFunc(fi.sorted, v, compare)
		fi.sorted = slices.Insert(fi.sorted, i, v)
	}
	b.Add(id)
}

func (fi *fieldIndex) remove(v Value, id uint32) {
	b, ok := fi.postings[v]
	if !ok {
		return
	}
	b.Remove(id)
	if b.IsEmpty() {
		delete(fi.postings, v)
		if i, found := slices.BinarySearchFunc(fi.sorted, v, compare); found {
			fi.sorted = slices.Delete(fi.sorted, i, i+1)
		}
	}
}

// Index is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	fields map[string]*fieldIndex
	docs   map[uint32][]posting
}

// New returns an empty index.
func New() *Index {
	return &Index{
		fields: make(map[string]*fieldIndex),
		docs:   make(map[uint32][]posting),
	}
}

// Set replaces every indexed value of id. Values of unsupported types are rejected
// and nothing is changed.
func (ix *Index) Set(id uint32, fields []model.Field) error {
	postings := make([]posting, 0, len(fields))
	for _, f := range fields {
		v, err := FromAny(f.Value)
		if err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		postings = append(postings, posting{field: f.Name, value: v})
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(id)
	for _, p := range postings {
		fi, ok := ix.fields[p.field]
		if !ok {
			fi = newFieldIndex()
			ix.fields[p.field] = fi
		}
		fi.add(p.value, id)
	}
	ix.docs[id] = postings
	return nil
}

// Remove drops id from every posting list.
func (ix *Index) Remove(id uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id uint32) {
	for _, p := range ix.docs[id] {
		if fi, ok := ix.fields[p.field]; ok {
			fi.remove(p.value, id)
			if len(fi.postings) == 0 {
				delete(ix.fields, p.field)
			}
		}
	}
	delete(ix.docs, id)
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.fields = make(map[string]*fieldIndex)
	ix.docs = make(map[uint32][]posting)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Evaluate returns the ordinals matching every filter (AND). The result is owned
// by the caller. An empty filter list is an error.
func (ix *Index) Evaluate(filters ...Filter) (*roaring.Bitmap, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("no filters")
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var result *roaring.Bitmap
	for _, f := range filters {
		b, err := ix.evaluateLocked(f)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = b
		} else {
			result.And(b)
		}
		if result.IsEmpty() {
			break
		}
	}
	return result, nil
}

func (ix *Index) evaluateLocked(f Filter) (*roaring.Bitmap, error) {
	if f.Field == "" {
		return nil, fmt.Errorf("filter without field")
	}
	if !f.Operator.Valid() {
		return nil, fmt.Errorf("unknown operator %q", f.Operator)
	}

	fi := ix.fields[f.Field]
	if f.Operator == OpIn {
		out := roaring.New()
		for _, raw := range f.Values {
			v, err := FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Field, err)
			}
			if fi != nil {
				fi.orEqual(out, v)
			}
		}
		return out, nil
	}

	v, err := FromAny(f.Value)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Field, err)
	}
	if f.Operator == OpPrefix && v.Kind != KindString {
		return nil, fmt.Errorf("field %q: prefix needs a string operand", f.Field)
	}

	out := roaring.New()
	if fi == nil {
		return out, nil
	}

	switch f.Operator {
	case OpEqual:
		fi.orEqual(out, v)
	case OpNotEqual:
		for _, cand := range fi.sorted {
			if !equal(cand, v) {
				out.Or(fi.postings[cand])
			}
		}
	case OpPrefix:
		start, _ := slices.BinarySearchFunc(fi.sorted, v, compare)
		for _, cand := range fi.sorted[start:] {
			if cand.Kind != KindString || !strings.HasPrefix(cand.S, v.S) {
				break
			}
			out.Or(fi.postings[cand])
		}
	default:
		for _, cand := range fi.sorted {
			if cand.class() != v.class() {
				continue
			}
			if matchRange(f.Operator, cand, v) {
				out.Or(fi.postings[cand])
			}
		}
	}
	return out, nil
}

// orEqual adds the postings of every value equal to v. 3 and 3.0 both match.
func (fi *fieldIndex) orEqual(out *roaring.Bitmap, v Value) {
	if b, ok := fi.postings[v]; ok {
		out.Or(b)
	}
	switch v.Kind {
	case KindInt:
		if b, ok := fi.postings[Float(float64(v.I64))]; ok {
			out.Or(b)
		}
	case KindFloat:
		if v.F64 == math.Trunc(v.F64) && math.Abs(v.F64) < 1<<63 {
			if b, ok := fi.postings[Int(int64(v.F64))]; ok {
				out.Or(b)
			}
		}
	}
}

func matchRange(op Operator, cand, v Value) bool {
	c := compare(cand, v)
	if equal(cand, v) {
		c = 0
	}
	switch op {
	case OpGreaterThan:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	case OpLessThan:
		return c < 0
	case OpLessEqual:
		return c <= 0
	default:
		return false
	}
}

// Values returns the distinct values of field in ascending order.
func (ix *Index) Values(field string) []Value {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	fi, ok := ix.fields[field]
	if !ok {
		return nil
	}
	return slices.Clone(fi.sorted)
}
