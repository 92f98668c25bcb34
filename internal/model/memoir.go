package model

import (
	"time"

	"github.com/icm-sh/icm/internal/icmerr"
)

// Memoir is a named container for a knowledge graph of concepts and typed
// relations. Memoirs never decay.
type Memoir struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Description            string    `json:"description"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	ConsolidationThreshold int       `json:"consolidation_threshold"`
}

// NewMemoir builds a memoir with a fresh ULID.
func NewMemoir(name, description string) *Memoir {
	now := time.Now().UTC()
	return &Memoir{
		ID:                     NewID(),
		Name:                   name,
		Description:            description,
		CreatedAt:              now,
		UpdatedAt:              now,
		ConsolidationThreshold: 50,
	}
}

// Concept is a named node within a memoir. Names are unique per memoir,
// case-sensitive.
type Concept struct {
	ID              string    `json:"id"`
	MemoirID        string    `json:"memoir_id"`
	Name            string    `json:"name"`
	Definition      string    `json:"definition"`
	Labels          []string  `json:"labels,omitempty"`
	Confidence      float64   `json:"confidence"`
	Revision        int       `json:"revision"`
	CreatedAt       time.Time `json:"created_at"`
	RefinedAt       time.Time `json:"refined_at"`
	SourceMemoryIDs []string  `json:"source_memory_ids,omitempty"`
}

// NewConcept builds a concept at revision 1 with baseline confidence.
func NewConcept(memoirID, name, definition string) *Concept {
	now := time.Now().UTC()
	return &Concept{
		ID:         NewID(),
		MemoirID:   memoirID,
		Name:       name,
		Definition: definition,
		Confidence: 0.5,
		Revision:   1,
		CreatedAt:  now,
		RefinedAt:  now,
	}
}

// RelationKind is the closed set of edge types between concepts.
type RelationKind string

const (
	RelPartOf        RelationKind = "part_of"
	RelDependsOn     RelationKind = "depends_on"
	RelRelatedTo     RelationKind = "related_to"
	RelContradicts   RelationKind = "contradicts"
	RelRefines       RelationKind = "refines"
	RelAlternativeTo RelationKind = "alternative_to"
	RelCausedBy      RelationKind = "caused_by"
	RelInstanceOf    RelationKind = "instance_of"
	RelSupersededBy  RelationKind = "superseded_by"
)

// RelationKinds lists every valid kind in display order.
var RelationKinds = []RelationKind{
	RelPartOf, RelDependsOn, RelRelatedTo, RelContradicts, RelRefines,
	RelAlternativeTo, RelCausedBy, RelInstanceOf, RelSupersededBy,
}

// ParseRelationKind validates a relation kind string.
func ParseRelationKind(s string) (RelationKind, error) {
	for _, k := range RelationKinds {
		if RelationKind(s) == k {
			return k, nil
		}
	}
	return "", icmerr.E(icmerr.InvalidInput, "invalid relation kind: %q", s)
}

// Relation is a directed typed edge between two concepts in the same memoir.
type Relation struct {
	ID        string       `json:"id"`
	MemoirID  string       `json:"memoir_id"`
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Kind      RelationKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// MemoirStats summarizes a memoir's graph.
type MemoirStats struct {
	TotalConcepts int            `json:"total_concepts"`
	TotalLinks    int            `json:"total_links"`
	AvgConfidence float64        `json:"avg_confidence"`
	LabelCounts   map[string]int `json:"label_counts,omitempty"`
}
