package model

import (
	"fmt"
	"time"
)

// NodeKind is the variant tag of a Node.
type NodeKind string

const (
	KindChat            NodeKind = "Chat"
	KindMessage         NodeKind = "Message"
	KindSummary         NodeKind = "Summary"
	KindAttachment      NodeKind = "Attachment"
	KindEntity          NodeKind = "Entity"
	KindWebSearch       NodeKind = "WebSearch"
	KindScrapedPage     NodeKind = "ScrapedPage"
	KindBookmark        NodeKind = "Bookmark"
	KindImageMetadata   NodeKind = "ImageMetadata"
	KindAudioTranscript NodeKind = "AudioTranscript"
	KindModelInfo       NodeKind = "ModelInfo"
	KindLogEntry        NodeKind = "LogEntry"
	KindActionOutcome   NodeKind = "ActionOutcome"
)

// NodeKinds lists every variant in a stable order.
var NodeKinds = []NodeKind{
	KindChat, KindMessage, KindSummary, KindAttachment, KindEntity, KindWebSearch,
	KindScrapedPage, KindBookmark, KindImageMetadata, KindAudioTranscript,
	KindModelInfo, KindLogEntry, KindActionOutcome,
}

// Metadata is the open, schema-less part of a node.
type Metadata map[string]any

// Field is a typed, queryable attribute extracted from a node for the structural index.
// Value is one of string, int64, float64 or bool.
type Field struct {
	Name  string
	Value any
}

// FieldNodeType is indexed for every node and carries its NodeKind.
const FieldNodeType = "node_type"

// Node is a stored entity. The set of implementations is closed: only the variants
// in this package satisfy it.
type Node interface {
	NodeID() NodeID
	Kind() NodeKind
	Meta() Metadata
	// Fields returns the typed attributes the structural index tracks.
	Fields() []Field
	isNode()
}

// Embeddable is implemented by variants carrying text that can be embedded.
type Embeddable interface {
	Node
	Text() string
	EmbeddingRef() EmbeddingID
	SetEmbeddingRef(id EmbeddingID)
}

// NewNode returns an empty value of the given kind, ready for decoding.
func NewNode(kind NodeKind) (Node, error) {
	switch kind {
	case KindChat:
		return &Chat{}, nil
	case KindMessage:
		return &Message{}, nil
	case KindSummary:
		return &Summary{}, nil
	case KindAttachment:
		return &Attachment{}, nil
	case KindEntity:
		return &Entity{}, nil
	case KindWebSearch:
		return &WebSearch{}, nil
	case KindScrapedPage:
		return &ScrapedPage{}, nil
	case KindBookmark:
		return &Bookmark{}, nil
	case KindImageMetadata:
		return &ImageMetadata{}, nil
	case KindAudioTranscript:
		return &AudioTranscript{}, nil
	case KindModelInfo:
		return &ModelInfo{}, nil
	case KindLogEntry:
		return &LogEntry{}, nil
	case KindActionOutcome:
		return &ActionOutcome{}, nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
}

// TextOf returns the embeddable text of n, or "" when n carries none.
func TextOf(n Node) string {
	if e, ok := n.(Embeddable); ok {
		return e.Text()
	}
	return ""
}

func fields(kind NodeKind, extra ...Field) []Field {
	out := make([]Field, 0, len(extra)+1)
	out = append(out, Field{Name: FieldNodeType, Value: string(kind)})
	for _, f := range extra {
		if s, ok := f.Value.(string); ok && s == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Chat is a conversation thread.
type Chat struct {
	ID          NodeID      `json:"id"`
	Title       string      `json:"title"`
	Topic       string      `json:"topic,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
	EmbeddingID EmbeddingID `json:"embedding_id,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

func (n *Chat) NodeID() NodeID { return n.ID }
func (n *Chat) Kind() NodeKind { return KindChat }
func (n *Chat) Meta() Metadata { return n.Metadata }
func (n *Chat) isNode()        {}
func (n *Chat) Fields() []Field {
	return fields(KindChat,
		Field{"title", n.Title},
		Field{"topic", n.Topic},
		Field{"created_at", n.CreatedAt},
		Field{"updated_at", n.UpdatedAt},
	)
}

// Message is one utterance inside a chat.
type Message struct {
	ID            NodeID      `json:"id"`
	ChatID        NodeID      `json:"chat_id"`
	Sender        string      `json:"sender"`
	Timestamp     int64       `json:"timestamp"`
	Content       string      `json:"text"`
	AttachmentIDs []NodeID    `json:"attachment_ids,omitempty"`
	EmbeddingID   EmbeddingID `json:"embedding_id,omitempty"`
	Metadata      Metadata    `json:"metadata,omitempty"`
}

func (n *Message) NodeID() NodeID                 { return n.ID }
func (n *Message) Kind() NodeKind                 { return KindMessage }
func (n *Message) Meta() Metadata                 { return n.Metadata }
func (n *Message) isNode()                        {}
func (n *Message) Text() string                   { return n.Content }
func (n *Message) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *Message) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *Message) Fields() []Field {
	return fields(KindMessage,
		Field{"chat_id", string(n.ChatID)},
		Field{"sender", n.Sender},
		Field{"timestamp", n.Timestamp},
	)
}

// Summary condenses a range of messages of one chat.
type Summary struct {
	ID          NodeID      `json:"id"`
	ChatID      NodeID      `json:"chat_id"`
	CreatedAt   int64       `json:"created_at"`
	Content     string      `json:"content"`
	MessageIDs  []NodeID    `json:"message_ids,omitempty"`
	EmbeddingID EmbeddingID `json:"embedding_id,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

func (n *Summary) NodeID() NodeID                 { return n.ID }
func (n *Summary) Kind() NodeKind                 { return KindSummary }
func (n *Summary) Meta() Metadata                 { return n.Metadata }
func (n *Summary) isNode()                        {}
func (n *Summary) Text() string                   { return n.Content }
func (n *Summary) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *Summary) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *Summary) Fields() []Field {
	return fields(KindSummary,
		Field{"chat_id", string(n.ChatID)},
		Field{"created_at", n.CreatedAt},
	)
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID            NodeID   `json:"id"`
	MessageID     NodeID   `json:"message_id"`
	MimeType      string   `json:"mime_type"`
	Filename      string   `json:"filename"`
	SizeBytes     int64    `json:"size_bytes"`
	StoragePath   string   `json:"storage_path,omitempty"`
	ExtractedText string   `json:"extracted_text,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

func (n *Attachment) NodeID() NodeID { return n.ID }
func (n *Attachment) Kind() NodeKind { return KindAttachment }
func (n *Attachment) Meta() Metadata { return n.Metadata }
func (n *Attachment) isNode()        {}
func (n *Attachment) Fields() []Field {
	return fields(KindAttachment,
		Field{"message_id", string(n.MessageID)},
		Field{"mime_type", n.MimeType},
		Field{"filename", n.Filename},
		Field{"size_bytes", n.SizeBytes},
		Field{"created_at", n.CreatedAt},
	)
}

// Entity is a named thing (person, place, organization, ...) mentioned in content.
type Entity struct {
	ID          NodeID      `json:"id"`
	Label       string      `json:"label"`
	EntityType  string      `json:"entity_type"`
	EmbeddingID EmbeddingID `json:"embedding_id,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

func (n *Entity) NodeID() NodeID                 { return n.ID }
func (n *Entity) Kind() NodeKind                 { return KindEntity }
func (n *Entity) Meta() Metadata                 { return n.Metadata }
func (n *Entity) isNode()                        {}
func (n *Entity) Text() string                   { return n.Label }
func (n *Entity) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *Entity) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *Entity) Fields() []Field {
	return fields(KindEntity,
		Field{"label", n.Label},
		Field{"entity_type", n.EntityType},
	)
}

// WebSearch records a search issued by the assistant.
type WebSearch struct {
	ID          NodeID      `json:"id"`
	Query       string      `json:"query"`
	Timestamp   int64       `json:"timestamp"`
	ResultURLs  []string    `json:"result_urls,omitempty"`
	EmbeddingID EmbeddingID `json:"embedding_id,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

func (n *WebSearch) NodeID() NodeID                 { return n.ID }
func (n *WebSearch) Kind() NodeKind                 { return KindWebSearch }
func (n *WebSearch) Meta() Metadata                 { return n.Metadata }
func (n *WebSearch) isNode()                        {}
func (n *WebSearch) Text() string                   { return n.Query }
func (n *WebSearch) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *WebSearch) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *WebSearch) Fields() []Field {
	return fields(KindWebSearch,
		Field{"query", n.Query},
		Field{"timestamp", n.Timestamp},
	)
}

// ScrapedPage is the extracted content of a fetched web page.
type ScrapedPage struct {
	ID          NodeID      `json:"id"`
	URL         string      `json:"url"`
	ScrapedAt   int64       `json:"scraped_at"`
	ContentHash string      `json:"content_hash,omitempty"`
	Title       string      `json:"title,omitempty"`
	Content     string      `json:"content"`
	StoragePath string      `json:"storage_path,omitempty"`
	EmbeddingID EmbeddingID `json:"embedding_id,omitempty"`
	Metadata    Metadata    `json:"metadata,omitempty"`
}

func (n *ScrapedPage) NodeID() NodeID { return n.ID }
func (n *ScrapedPage) Kind() NodeKind { return KindScrapedPage }
func (n *ScrapedPage) Meta() Metadata { return n.Metadata }
func (n *ScrapedPage) isNode()        {}
func (n *ScrapedPage) Text() string {
	if n.Title == "" {
		return n.Content
	}
	return n.Title + " " + n.Content
}
func (n *ScrapedPage) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *ScrapedPage) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *ScrapedPage) Fields() []Field {
	return fields(KindScrapedPage,
		Field{"url", n.URL},
		Field{"title", n.Title},
		Field{"content_hash", n.ContentHash},
		Field{"scraped_at", n.ScrapedAt},
	)
}

// Bookmark is a saved link.
type Bookmark struct {
	ID          NodeID   `json:"id"`
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	Tags        []string `json:"tags,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

func (n *Bookmark) NodeID() NodeID { return n.ID }
func (n *Bookmark) Kind() NodeKind { return KindBookmark }
func (n *Bookmark) Meta() Metadata { return n.Metadata }
func (n *Bookmark) isNode()        {}
func (n *Bookmark) Fields() []Field {
	out := fields(KindBookmark,
		Field{"url", n.URL},
		Field{"title", n.Title},
		Field{"created_at", n.CreatedAt},
	)
	for _, tag := range n.Tags {
		out = append(out, Field{"tag", tag})
	}
	return out
}

// ImageMetadata describes an analyzed image.
type ImageMetadata struct {
	ID              NodeID   `json:"id"`
	FilePath        string   `json:"file_path"`
	DetectedObjects []string `json:"detected_objects,omitempty"`
	DetectedFaces   []string `json:"detected_faces,omitempty"`
	OCRText         string   `json:"ocr_text,omitempty"`
	Metadata        Metadata `json:"metadata,omitempty"`
}

func (n *ImageMetadata) NodeID() NodeID { return n.ID }
func (n *ImageMetadata) Kind() NodeKind { return KindImageMetadata }
func (n *ImageMetadata) Meta() Metadata { return n.Metadata }
func (n *ImageMetadata) isNode()        {}
func (n *ImageMetadata) Fields() []Field {
	out := fields(KindImageMetadata, Field{"file_path", n.FilePath})
	for _, obj := range n.DetectedObjects {
		out = append(out, Field{"detected_object", obj})
	}
	return out
}

// AudioTranscript is the transcription of an audio file.
type AudioTranscript struct {
	ID            NodeID      `json:"id"`
	FilePath      string      `json:"file_path"`
	TranscribedAt int64       `json:"transcribed_at"`
	Transcript    string      `json:"transcript"`
	Diarization   string      `json:"diarization,omitempty"`
	EmbeddingID   EmbeddingID `json:"embedding_id,omitempty"`
	Metadata      Metadata    `json:"metadata,omitempty"`
}

func (n *AudioTranscript) NodeID() NodeID                 { return n.ID }
func (n *AudioTranscript) Kind() NodeKind                 { return KindAudioTranscript }
func (n *AudioTranscript) Meta() Metadata                 { return n.Metadata }
func (n *AudioTranscript) isNode()                        {}
func (n *AudioTranscript) Text() string                   { return n.Transcript }
func (n *AudioTranscript) EmbeddingRef() EmbeddingID      { return n.EmbeddingID }
func (n *AudioTranscript) SetEmbeddingRef(id EmbeddingID) { n.EmbeddingID = id }
func (n *AudioTranscript) Fields() []Field {
	return fields(KindAudioTranscript,
		Field{"file_path", n.FilePath},
		Field{"transcribed_at", n.TranscribedAt},
	)
}

// ModelInfo describes a local ML model known to the assistant.
type ModelInfo struct {
	ID        NodeID   `json:"id"`
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	SizeBytes int64    `json:"size_bytes"`
	Format    string   `json:"format"`
	LoadedAt  int64    `json:"loaded_at,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

func (n *ModelInfo) NodeID() NodeID { return n.ID }
func (n *ModelInfo) Kind() NodeKind { return KindModelInfo }
func (n *ModelInfo) Meta() Metadata { return n.Metadata }
func (n *ModelInfo) isNode()        {}
func (n *ModelInfo) Fields() []Field {
	return fields(KindModelInfo,
		Field{"name", n.Name},
		Field{"format", n.Format},
		Field{"size_bytes", n.SizeBytes},
	)
}

// LogEntry is an operational log line persisted for later inspection.
type LogEntry struct {
	ID        NodeID   `json:"id"`
	Level     string   `json:"level"`
	Message   string   `json:"message"`
	Source    string   `json:"source,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

func (n *LogEntry) NodeID() NodeID { return n.ID }
func (n *LogEntry) Kind() NodeKind { return KindLogEntry }
func (n *LogEntry) Meta() Metadata { return n.Metadata }
func (n *LogEntry) isNode()        {}
func (n *LogEntry) Fields() []Field {
	return fields(KindLogEntry,
		Field{"level", n.Level},
		Field{"source", n.Source},
		Field{"timestamp", n.Timestamp},
	)
}

// ActionOutcome records a tool action, its result and optional user feedback.
type ActionOutcome struct {
	ID         NodeID   `json:"id"`
	ActionType string   `json:"action_type"`
	Args       string   `json:"args,omitempty"`
	Result     string   `json:"result,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
	Context    string   `json:"context,omitempty"`
	Timestamp  int64    `json:"timestamp"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

func (n *ActionOutcome) NodeID() NodeID { return n.ID }
func (n *ActionOutcome) Kind() NodeKind { return KindActionOutcome }
func (n *ActionOutcome) Meta() Metadata { return n.Metadata }
func (n *ActionOutcome) isNode()        {}
func (n *ActionOutcome) Fields() []Field {
	return fields(KindActionOutcome,
		Field{"action_type", n.ActionType},
		Field{"feedback", n.Feedback},
		Field{"timestamp", n.Timestamp},
	)
}

// Timestamps are Unix milliseconds.

// Now returns the current time in Unix milliseconds.
func Now() int64 { return time.Now().UnixMilli() }

// TimeOf returns the time that ages n, or false for kinds without one.
func TimeOf(n Node) (int64, bool) {
	var ts int64
	switch v := n.(type) {
	case *Chat:
		ts = max(v.UpdatedAt, v.CreatedAt)
	case *Message:
		ts = v.Timestamp
	case *Summary:
		ts = v.CreatedAt
	case *Attachment:
		ts = v.CreatedAt
	case *WebSearch:
		ts = v.Timestamp
	case *ScrapedPage:
		ts = v.ScrapedAt
	case *Bookmark:
		ts = v.CreatedAt
	case *AudioTranscript:
		ts = v.TranscribedAt
	case *LogEntry:
		ts = v.Timestamp
	case *ActionOutcome:
		ts = v.Timestamp
	}
	return ts, ts != 0
}
