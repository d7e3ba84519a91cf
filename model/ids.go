package model

import (
	"strings"

	"github.com/google/uuid"
)

// NodeID is the globally unique, immutable identifier of a node.
type NodeID string

// EdgeID identifies an edge.
type EdgeID string

// EmbeddingID identifies an embedding.
type EmbeddingID string

func (id NodeID) String() string      { return string(id) }
func (id EdgeID) String() string      { return string(id) }
func (id EmbeddingID) String() string { return string(id) }

var kindPrefixes = map[NodeKind]string{
	KindChat:            "chat",
	KindMessage:         "msg",
	KindSummary:         "sum",
	KindAttachment:      "att",
	KindEntity:          "ent",
	KindWebSearch:       "web",
	KindScrapedPage:     "page",
	KindBookmark:        "bm",
	KindImageMetadata:   "img",
	KindAudioTranscript: "aud",
	KindModelInfo:       "model",
	KindLogEntry:        "log",
	KindActionOutcome:   "act",
}

// NewNodeID returns a fresh id carrying a short prefix for the kind, e.g. "ent_<uuid>".
func NewNodeID(kind NodeKind) NodeID {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		prefix = "node"
	}
	return NodeID(prefix + "_" + uuid.NewString())
}

// NewEdgeID returns a fresh edge id.
func NewEdgeID() EdgeID { return EdgeID("edge_" + uuid.NewString()) }

// NewEmbeddingID returns a fresh embedding id.
func NewEmbeddingID() EmbeddingID { return EmbeddingID("emb_" + uuid.NewString()) }

// validKey reports whether s can be used as a storage key component.
// The separator '/' is reserved for composite keys.
func validKey(s string) bool {
	return s != "" && !strings.ContainsRune(s, '/')
}

// ValidateNodeID returns InvalidOperation for ids that cannot be stored.
func ValidateNodeID(op string, id NodeID) error {
	if !validKey(string(id)) {
		return InvalidOperation(op, "invalid node id %q", id)
	}
	return nil
}

// ValidateEdgeID returns InvalidOperation for ids that cannot be stored.
func ValidateEdgeID(op string, id EdgeID) error {
	if !validKey(string(id)) {
		return InvalidOperation(op, "invalid edge id %q", id)
	}
	return nil
}

// ValidateEmbeddingID returns InvalidOperation for ids that cannot be stored.
func ValidateEmbeddingID(op string, id EmbeddingID) error {
	if !validKey(string(id)) {
		return InvalidOperation(op, "invalid embedding id %q", id)
	}
	return nil
}

// ValidateEdgeType returns InvalidOperation for edge types that cannot be part
// of an adjacency key.
func ValidateEdgeType(op string, t EdgeType) error {
	if !validKey(string(t)) {
		return InvalidOperation(op, "invalid edge type %q", t)
	}
	return nil
}

// KindHint guesses the kind of a node from the prefix of a generated id. Ids
// chosen by callers may carry no recognizable prefix.
func KindHint(id NodeID) (NodeKind, bool) {
	prefix, _, ok := strings.Cut(string(id), "_")
	if !ok {
		return "", false
	}
	for kind, p := range kindPrefixes {
		if p == prefix {
			return kind, true
		}
	}
	return "", false
}
