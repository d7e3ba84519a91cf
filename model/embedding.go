package model

// Embedding is a fixed-dimensionality vector owned by one node.
type Embedding struct {
	ID     EmbeddingID `json:"id"`
	NodeID NodeID      `json:"node_id"`
	Model  string      `json:"model"`
	Vector []float32   `json:"vector"`
	// SourceHash identifies the text the vector was computed from. Zero when unknown.
	SourceHash uint64 `json:"source_hash,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// Dim returns the dimensionality of the vector.
func (e *Embedding) Dim() int { return len(e.Vector) }
