// Package ml defines the machine learning capability the weaver enriches the
// graph with, plus a deterministic mock and a circuit breaker wrapper.
package ml

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the capability refuses work, for example
// because its circuit breaker is open.
var ErrUnavailable = errors.New("ml: capability unavailable")

// Entity is a named entity found in a text.
type Entity struct {
	// Text is the span as it appears in the input.
	Text string `json:"text"`
	// Label is the entity type, for example PERSON or GPE.
	Label string `json:"label"`
	// Start and End are byte offsets into the input.
	Start int `json:"start"`
	End   int `json:"end"`
}

// Capability is the set of model operations loom depends on.
// Implementations must be safe for concurrent use.
type Capability interface {
	// GenerateEmbedding returns a vector for text.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// ExtractEntities returns the named entities in text.
	ExtractEntities(ctx context.Context, text string) ([]Entity, error)

	// Summarize condenses an ordered list of messages.
	Summarize(ctx context.Context, messages []string) (string, error)

	// ModelName identifies the embedding model.
	ModelName() string
}
