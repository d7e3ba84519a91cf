package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     ErrorKind
	}{
		{"not found", NotFound("get", "node %s", "n1"), ErrNotFound, KindNotFound},
		{"invalid", InvalidOperation("insert", "empty id"), ErrInvalidOperation, KindInvalidOperation},
		{"serialization", Serialization("decode", errors.New("bad bytes")), ErrSerialization, KindSerialization},
		{"backend", Backend("put", errors.New("disk full")), ErrBackend, KindBackend},
		{"transaction", Transaction("commit", "already committed"), ErrTransaction, KindTransaction},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.sentinel)
			assert.Equal(t, tc.kind, KindOf(tc.err))

			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
			assert.Equal(t, tc.kind, KindOf(wrapped))
		})
	}
}

func TestBackendKeepsClassifiedErrors(t *testing.T) {
	inner := NotFound("get", "missing")
	err := Backend("scan", inner)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrBackend)

	cause := errors.New("io failure")
	err = Backend("put", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsSystemic(err))
	assert.False(t, IsSystemic(inner))
}

func TestNewNodeID(t *testing.T) {
	id := NewNodeID(KindEntity)
	assert.True(t, strings.HasPrefix(string(id), "ent_"))
	assert.NotEqual(t, id, NewNodeID(KindEntity))
	require.NoError(t, ValidateNodeID("test", id))

	assert.ErrorIs(t, ValidateNodeID("test", ""), ErrInvalidOperation)
	assert.ErrorIs(t, ValidateNodeID("test", "a/b"), ErrInvalidOperation)
	require.NoError(t, ValidateEdgeType("test", EdgeMentions))
	assert.ErrorIs(t, ValidateEdgeType("test", "MENTIONS/x"), ErrInvalidOperation)
}

func TestNewNodeCoversAllKinds(t *testing.T) {
	for _, kind := range NodeKinds {
		n, err := NewNode(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, n.Kind())
		assert.Equal(t, string(kind), n.Fields()[0].Value)
	}

	_, err := NewNode("Unknown")
	assert.Error(t, err)
}

func TestFieldsSkipEmptyStrings(t *testing.T) {
	m := &Message{ID: "m1", ChatID: "c1", Timestamp: 42}
	names := map[string]any{}
	for _, f := range m.Fields() {
		names[f.Name] = f.Value
	}
	assert.Equal(t, "Message", names[FieldNodeType])
	assert.Equal(t, "c1", names["chat_id"])
	assert.Equal(t, int64(42), names["timestamp"])
	_, hasSender := names["sender"]
	assert.False(t, hasSender)
}

func TestPartitionRouting(t *testing.T) {
	assert.Equal(t, Conversations, PartitionOf(KindMessage))
	assert.Equal(t, Knowledge, PartitionOf(KindEntity))
	assert.Equal(t, Summaries, PartitionOf(KindSummary))
	assert.Equal(t, Meta, PartitionOf(KindLogEntry))

	assert.True(t, HasTier(Knowledge, Stable))
	assert.False(t, HasTier(Conversations, Stable))
	assert.Equal(t, Active, Tiers(Summaries)[0])
}

func TestParsePartition(t *testing.T) {
	for _, d := range DatabaseTypes {
		for _, tier := range Tiers(d) {
			p := Partition{Type: d, Tier: tier}
			got, err := ParsePartition(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, got)
		}
	}

	_, err := ParsePartition("conversations/stable")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEventKeys(t *testing.T) {
	a := NodeCreated{ID: "m1", Kind: KindMessage}
	b := NodeCreated{ID: "m1", Kind: KindMessage}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), NodeUpdated{ID: "m1"}.Key())
	assert.Equal(t, "chat.updated/c1/20", ChatUpdated{ChatID: "c1", MessageCount: 20}.Key())
}

func TestKindHint(t *testing.T) {
	kind, ok := KindHint(NewNodeID(KindSummary))
	require.True(t, ok)
	assert.Equal(t, KindSummary, kind)

	_, ok = KindHint("n1")
	assert.False(t, ok)
	_, ok = KindHint("zzz_1")
	assert.False(t, ok)
}

func TestTimeOf(t *testing.T) {
	ts, ok := TimeOf(&Message{ID: "m1", Timestamp: 42})
	require.True(t, ok)
	assert.Equal(t, int64(42), ts)

	ts, _ = TimeOf(&Chat{ID: "c1", CreatedAt: 5, UpdatedAt: 9})
	assert.Equal(t, int64(9), ts)

	_, ok = TimeOf(&Entity{ID: "e1"})
	assert.False(t, ok)
}
