package ml

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// MockOptions configures a Mock.
type MockOptions struct {
	// Dimension of generated vectors.
	Dimension int
	// Label assigned to every extracted entity.
	Label string
	// Model is returned by ModelName.
	Model string
}

// DefaultMockOptions contains the default Mock options.
var DefaultMockOptions = MockOptions{
	Dimension: 384,
	Label:     "MISC",
	Model:     "mock-hash-384",
}

// Mock is a deterministic Capability for tests and offline use.
//
// Embeddings are hashed bags of lower-cased words, so texts sharing words get
// similar vectors. Entities are capitalized words longer than two characters.
// Summaries quote the first and the last message.
type Mock struct {
	opts MockOptions
}

var _ Capability = (*Mock)(nil)

// NewMock creates a Mock.
func NewMock(optFns ...func(o *MockOptions)) *Mock {
	opts := DefaultMockOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultMockOptions.Dimension
	}
	return &Mock{opts: opts}
}

// Dimension returns the length of generated vectors.
func (m *Mock) Dimension() int { return m.opts.Dimension }

func (m *Mock) ModelName() string { return m.opts.Model }

func (m *Mock) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, m.opts.Dimension)
	for _, w := range strings.FieldsFunc(text, notWordRune) {
		h := xxhash.Sum64String(strings.ToLower(w))
		sign := float32(1)
		if h&(1<<63) != 0 {
			sign = -1
		}
		vec[h%uint64(len(vec))] += sign
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Blank input still needs a usable cosine vector.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func (m *Mock) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entity
	start := -1
	for i, r := range text + " " {
		if !notWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start < 0 {
			continue
		}
		word := text[start:i]
		first, _ := utf8.DecodeRuneInString(word)
		if unicode.IsUpper(first) && utf8.RuneCountInString(word) > 2 {
			out = append(out, Entity{Text: word, Label: m.opts.Label, Start: start, End: i})
		}
		start = -1
	}
	return out, nil
}

func (m *Mock) Summarize(ctx context.Context, messages []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch len(messages) {
	case 0:
		return "No messages to summarize.", nil
	case 1:
		return "Summary: " + messages[0], nil
	default:
		return fmt.Sprintf("Conversation starting with %q and ending with %q.", messages[0], messages[len(messages)-1]), nil
	}
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
}
