package model

import "fmt"

// DatabaseType is a logical partition of the store.
type DatabaseType uint8

const (
	Conversations DatabaseType = iota
	Knowledge
	Embeddings
	ToolResults
	Experience
	Summaries
	Meta
)

// DatabaseTypes lists every partition.
var DatabaseTypes = []DatabaseType{Conversations, Knowledge, Embeddings, ToolResults, Experience, Summaries, Meta}

func (d DatabaseType) String() string {
	switch d {
	case Conversations:
		return "conversations"
	case Knowledge:
		return "knowledge"
	case Embeddings:
		return "embeddings"
	case ToolResults:
		return "tool_results"
	case Experience:
		return "experience"
	case Summaries:
		return "summaries"
	case Meta:
		return "meta"
	default:
		return fmt.Sprintf("database(%d)", uint8(d))
	}
}

// Tier is the temperature class of a partition instance.
type Tier uint8

const (
	Active Tier = iota
	Recent
	Archive
	Stable
	Inferred
	Session
	Daily
	Weekly
	Monthly
)

func (t Tier) String() string {
	switch t {
	case Active:
		return "active"
	case Recent:
		return "recent"
	case Archive:
		return "archive"
	case Stable:
		return "stable"
	case Inferred:
		return "inferred"
	case Session:
		return "session"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Tiers returns the tiers of d in read order, warmest first.
func Tiers(d DatabaseType) []Tier {
	switch d {
	case Knowledge:
		return []Tier{Active, Stable, Inferred, Recent, Archive}
	case ToolResults:
		return []Tier{Active, Session, Recent, Archive}
	case Summaries:
		return []Tier{Active, Daily, Weekly, Monthly, Recent, Archive}
	default:
		return []Tier{Active, Recent, Archive}
	}
}

// HasTier reports whether t is a valid tier of d.
func HasTier(d DatabaseType, t Tier) bool {
	for _, x := range Tiers(d) {
		if x == t {
			return true
		}
	}
	return false
}

// PartitionOf returns the partition that stores nodes of the given kind.
func PartitionOf(kind NodeKind) DatabaseType {
	switch kind {
	case KindEntity:
		return Knowledge
	case KindSummary:
		return Summaries
	case KindActionOutcome:
		return Experience
	case KindModelInfo, KindLogEntry:
		return Meta
	default:
		return Conversations
	}
}

// Partition addresses one Storage Manager instance.
type Partition struct {
	Type DatabaseType
	Tier Tier
}

func (p Partition) String() string { return p.Type.String() + "/" + p.Tier.String() }

// ParsePartition parses the form returned by Partition.String.
func ParsePartition(s string) (Partition, error) {
	for _, d := range DatabaseTypes {
		for _, t := range Tiers(d) {
			if p := (Partition{Type: d, Tier: t}); p.String() == s {
				return p, nil
			}
		}
	}
	return Partition{}, InvalidOperation("model.ParsePartition", "unknown partition %q", s)
}
