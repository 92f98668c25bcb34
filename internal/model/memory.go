// Package model defines the core memory data types.
package model

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/icm-sh/icm/internal/icmerr"
)

// InitialWeight is the weight every new memory starts with and the upper
// bound weight can recover to.
const InitialWeight = 1.0

// Memory is a single unit of episodic recall: one summary plus metadata,
// subject to decay.
type Memory struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	Weight       float64   `json:"weight"`

	Topic      string   `json:"topic"`
	Summary    string   `json:"summary"`
	RawExcerpt string   `json:"raw_excerpt,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`

	Importance Importance `json:"importance"`
	Source     Source     `json:"source"`

	RelatedIDs []string `json:"related_ids,omitempty"`

	Embedding []float32 `json:"-"`
}

// NewMemory builds a memory with a fresh ULID and full initial weight.
func NewMemory(topic, summary string, importance Importance) *Memory {
	now := time.Now().UTC()
	return &Memory{
		ID:           NewID(),
		CreatedAt:    now,
		LastAccessed: now,
		Weight:       InitialWeight,
		Topic:        topic,
		Summary:      summary,
		Importance:   importance,
		Source:       Source{Type: SourceManual},
	}
}

var (
	entropyMu sync.Mutex
	// Monotonic entropy keeps same-millisecond ids in mint order.
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID mints a ULID. IDs sort lexicographically by creation time.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Importance controls decay speed.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

// ParseImportance validates an importance string. Unknown values fail with
// an invalid_input error.
func ParseImportance(s string) (Importance, error) {
	switch Importance(s) {
	case ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow:
		return Importance(s), nil
	}
	return "", icmerr.E(icmerr.InvalidInput, "invalid importance: %q", s)
}

// Rank orders importance: critical > high > medium > low.
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 3
	case ImportanceHigh:
		return 2
	case ImportanceMedium:
		return 1
	default:
		return 0
	}
}

// MaxImportance returns the higher of two importance levels.
func MaxImportance(a, b Importance) Importance {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// SourceType tags where a memory came from.
type SourceType string

const (
	SourceAgentSession SourceType = "agent_session"
	SourceConversation SourceType = "conversation"
	SourceManual       SourceType = "manual"
)

// Source records the origin of a memory.
type Source struct {
	Type      SourceType `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	FilePath  string     `json:"file_path,omitempty"`
	ThreadID  string     `json:"thread_id,omitempty"`
}

// ParseSourceType validates a source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceAgentSession, SourceConversation, SourceManual:
		return SourceType(s), nil
	}
	return "", icmerr.E(icmerr.InvalidInput, "invalid source type: %q", s)
}

// TopicCount pairs a topic with its memory count.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// StoreStats summarizes the episodic store.
type StoreStats struct {
	TotalMemories int        `json:"total_memories"`
	TotalTopics   int        `json:"total_topics"`
	AvgWeight     float64    `json:"avg_weight"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
}
