package model

import "fmt"

// Event is an immutable record of one logical mutation. The set of implementations
// is closed.
type Event interface {
	// Key identifies the mutation. Re-submitting an event yields the same key.
	Key() string
	isEvent()
}

// NodeCreated is emitted after a node was inserted.
type NodeCreated struct {
	ID   NodeID
	Kind NodeKind
}

// NodeUpdated is emitted after a node was replaced.
type NodeUpdated struct {
	ID   NodeID
	Kind NodeKind
}

// NodeDeleted is emitted after a node was removed.
type NodeDeleted struct {
	ID   NodeID
	Kind NodeKind
}

// EdgeCreated is emitted after an edge was inserted.
type EdgeCreated struct {
	ID   EdgeID
	From NodeID
	To   NodeID
	Type EdgeType
}

// EdgeDeleted is emitted after an edge was removed.
type EdgeDeleted struct {
	ID   EdgeID
	From NodeID
	To   NodeID
	Type EdgeType
}

// EmbeddingCreated is emitted after a node received its first embedding.
type EmbeddingCreated struct {
	ID     EmbeddingID
	NodeID NodeID
}

// EmbeddingUpdated is emitted after a node's embedding vector was replaced.
type EmbeddingUpdated struct {
	ID     EmbeddingID
	NodeID NodeID
}

// ChatUpdated is emitted when a chat gained a message.
type ChatUpdated struct {
	ChatID       NodeID
	MessageCount int
}

func (e NodeCreated) Key() string      { return "node.created/" + string(e.ID) }
func (e NodeUpdated) Key() string      { return "node.updated/" + string(e.ID) }
func (e NodeDeleted) Key() string      { return "node.deleted/" + string(e.ID) }
func (e EdgeCreated) Key() string      { return "edge.created/" + string(e.ID) }
func (e EdgeDeleted) Key() string      { return "edge.deleted/" + string(e.ID) }
func (e EmbeddingCreated) Key() string { return "embedding.created/" + string(e.ID) }
func (e EmbeddingUpdated) Key() string { return "embedding.updated/" + string(e.ID) }
func (e ChatUpdated) Key() string {
	return fmt.Sprintf("chat.updated/%s/%d", e.ChatID, e.MessageCount)
}

func (NodeCreated) isEvent()      {}
func (NodeUpdated) isEvent()      {}
func (NodeDeleted) isEvent()      {}
func (EdgeCreated) isEvent()      {}
func (EdgeDeleted) isEvent()      {}
func (EmbeddingCreated) isEvent() {}
func (EmbeddingUpdated) isEvent() {}
func (ChatUpdated) isEvent()      {}

// EventSink receives events produced by the storage layer. Implementations must not
// block the caller for long.
type EventSink interface {
	Submit(e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(e Event)

// Submit calls f(e).
func (f EventSinkFunc) Submit(e Event) { f(e) }

// DiscardEvents drops every event.
var DiscardEvents EventSink = EventSinkFunc(func(Event) {})
