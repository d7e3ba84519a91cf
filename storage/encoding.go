package storage

import (
	"github.com/hupe1980/loom/codec"
	"github.com/hupe1980/loom/model"
)

// envelope is the persisted form of a node: the variant tag plus the payload
// encoded by the same codec.
type envelope struct {
	Kind model.NodeKind `json:"kind"`
	Data []byte         `json:"data"`
}

func encodeNode(c codec.Codec, n model.Node) ([]byte, error) {
	data, err := c.Marshal(n)
	if err != nil {
		return nil, model.Serialization("storage.encodeNode", err)
	}
	b, err := c.Marshal(envelope{Kind: n.Kind(), Data: data})
	if err != nil {
		return nil, model.Serialization("storage.encodeNode", err)
	}
	return b, nil
}

func decodeNode(c codec.Codec, b []byte) (model.Node, error) {
	var env envelope
	if err := c.Unmarshal(b, &env); err != nil {
		return nil, model.Serialization("storage.decodeNode", err)
	}
	n, err := model.NewNode(env.Kind)
	if err != nil {
		return nil, model.Serialization("storage.decodeNode", err)
	}
	if err := c.Unmarshal(env.Data, n); err != nil {
		return nil, model.Serialization("storage.decodeNode", err)
	}
	return n, nil
}

func encode(op string, c codec.Codec, v any) ([]byte, error) {
	b, err := c.Marshal(v)
	if err != nil {
		return nil, model.Serialization(op, err)
	}
	return b, nil
}

func decodeEdge(c codec.Codec, b []byte) (*model.Edge, error) {
	var e model.Edge
	if err := c.Unmarshal(b, &e); err != nil {
		return nil, model.Serialization("storage.decodeEdge", err)
	}
	return &e, nil
}

func decodeEmbedding(c codec.Codec, b []byte) (*model.Embedding, error) {
	var e model.Embedding
	if err := c.Unmarshal(b, &e); err != nil {
		return nil, model.Serialization("storage.decodeEmbedding", err)
	}
	return &e, nil
}
