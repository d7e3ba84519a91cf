package storage

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hupe1980/loom/model"
)

// Key spaces of a Manager.
const (
	SpaceNodes      = "nodes"
	SpaceEdges      = "edges"
	SpaceEmbeddings = "embeddings"
	SpaceMeta       = "meta"
)

// Spaces lists every key space a Manager writes.
var Spaces = []string{SpaceNodes, SpaceEdges, SpaceEmbeddings, SpaceMeta}

// Key prefixes. Ids never contain '/', so prefixes do not overlap.
const (
	prefixNode       = "n/"
	prefixKind       = "k/"
	prefixChat       = "c/"
	prefixSender     = "s/"
	prefixEdge       = "e/"
	prefixOut        = "o/"
	prefixIn         = "i/"
	prefixVector     = "v/"
	prefixVectorNode = "n/"
)

func nodeKey(id model.NodeID) []byte { return []byte(prefixNode + string(id)) }

func kindKey(kind model.NodeKind, id model.NodeID) []byte {
	return []byte(prefixKind + string(kind) + "/" + string(id))
}

func kindPrefix(kind model.NodeKind) []byte { return []byte(prefixKind + string(kind) + "/") }

// sortableTime renders ts so that byte order equals numeric order, negative
// values included.
func sortableTime(ts int64) string {
	return fmt.Sprintf("%020d", uint64(ts)^(1<<63)) //nolint:gosec // bit flip is intended
}

func chatKey(m *model.Message) []byte {
	return []byte(prefixChat + string(m.ChatID) + "/" + sortableTime(m.Timestamp) + "/" + string(m.ID))
}

func chatPrefix(chatID model.NodeID) []byte { return []byte(prefixChat + string(chatID) + "/") }

// Senders are free text; escaping keeps '/' out of the key segment.
func senderKey(m *model.Message) []byte {
	return []byte(prefixSender + url.PathEscape(m.Sender) + "/" + sortableTime(m.Timestamp) + "/" + string(m.ID))
}

func senderPrefix(sender string) []byte { return []byte(prefixSender + url.PathEscape(sender) + "/") }

// validateKeys rejects nodes whose fields would break their secondary keys.
func validateKeys(op string, n model.Node) error {
	if m, ok := n.(*model.Message); ok && m.ChatID != "" {
		if err := model.ValidateNodeID(op, m.ChatID); err != nil {
			return err
		}
	}
	return nil
}

// secondaryKeys returns the index keys stored next to n in the nodes space.
// The value of each is the node id.
func secondaryKeys(n model.Node) [][]byte {
	keys := [][]byte{kindKey(n.Kind(), n.NodeID())}
	if m, ok := n.(*model.Message); ok {
		if m.ChatID != "" {
			keys = append(keys, chatKey(m))
		}
		if m.Sender != "" {
			keys = append(keys, senderKey(m))
		}
	}
	return keys
}

func edgeKey(id model.EdgeID) []byte { return []byte(prefixEdge + string(id)) }

func outKey(e *model.Edge) []byte {
	return []byte(prefixOut + string(e.From) + "/" + string(e.Type) + "/" + string(e.ID))
}

func inKey(e *model.Edge) []byte {
	return []byte(prefixIn + string(e.To) + "/" + string(e.Type) + "/" + string(e.ID))
}

// adjacencyPrefix selects the edges of id on one side, optionally of one type.
func adjacencyPrefix(prefix string, id model.NodeID, typ model.EdgeType) []byte {
	p := prefix + string(id) + "/"
	if typ != "" {
		p += string(typ) + "/"
	}
	return []byte(p)
}

func embeddingKey(id model.EmbeddingID) []byte { return []byte(prefixVector + string(id)) }

func embeddingNodeKey(id model.NodeID) []byte { return []byte(prefixVectorNode + string(id)) }

// lastSegment returns the part of key after the final '/'.
func lastSegment(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, '/')+1:]
}

var codecKey = []byte("codec")
