package model

// EdgeType names the relationship an edge expresses.
type EdgeType string

const (
	EdgeContains          EdgeType = "CONTAINS"
	EdgeMentions          EdgeType = "MENTIONS"
	EdgeSemanticallyAlike EdgeType = "IS_SEMANTICALLY_SIMILAR_TO"
	EdgeReplyTo           EdgeType = "REPLY_TO"
	EdgeSummarizes        EdgeType = "SUMMARIZES"
)

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID        EdgeID   `json:"id"`
	From      NodeID   `json:"from"`
	To        NodeID   `json:"to"`
	Type      EdgeType `json:"type"`
	CreatedAt int64    `json:"created_at"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// Direction selects which side of an edge a traversal follows.
type Direction uint8

const (
	// Outbound follows edges leaving the node.
	Outbound Direction = iota
	// Inbound follows edges arriving at the node.
	Inbound
	// Both follows edges in either direction.
	Both
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}
