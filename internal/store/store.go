// Package store provides the memory storage interface and SQLite
// implementation for both the episodic and semantic stores.
package store

import (
	"context"

	"github.com/icm-sh/icm/internal/model"
)

// RecallParams holds parameters for ranked retrieval.
type RecallParams struct {
	Query string
	// QueryEmbedding enables the hybrid mode when non-nil. Callers that
	// fail to embed the query simply leave it nil and get FTS ranking.
	QueryEmbedding []float32
	Topic          string
	Keyword        string
	MinWeight      float64
	Limit          int
}

// RecallResult is a memory with its fused retrieval score.
type RecallResult struct {
	model.Memory
	Score float64 `json:"score"`
}

// ConsolidateResult reports a topic consolidation.
type ConsolidateResult struct {
	NewID         string `json:"new_id"`
	AbsorbedCount int    `json:"absorbed_count"`
}

// InspectNode is one concept in a BFS layer, annotated with the edge kind
// it was reached through.
type InspectNode struct {
	Name       string             `json:"name"`
	Definition string             `json:"definition"`
	Via        model.RelationKind `json:"via,omitempty"`
}

// InspectResult is the layered neighborhood of a root concept. Layer 0 is
// the root itself.
type InspectResult struct {
	Memoir string          `json:"memoir"`
	Layers [][]InspectNode `json:"layers"`
}

// Store is the capability interface over both memory models. SQLite is the
// one implementation today; a remote backend may swap in behind it.
type Store interface {
	// Episodic CRUD
	Put(ctx context.Context, m *model.Memory) (string, error)
	Get(ctx context.Context, id string) (*model.Memory, error)
	Update(ctx context.Context, m *model.Memory) error
	Delete(ctx context.Context, id string) (bool, error)
	ByTopic(ctx context.Context, topic string) ([]model.Memory, error)
	Topics(ctx context.Context) ([]model.TopicCount, error)

	// Retrieval
	Recall(ctx context.Context, p RecallParams) ([]RecallResult, error)

	// Lifecycle
	ApplyDecay(ctx context.Context, factor float64) (int, error)
	ApplyTimeDecay(ctx context.Context) (int, error)
	MaybeAutoDecay(ctx context.Context) error
	Reinforce(ctx context.Context, id string) error
	Prune(ctx context.Context, threshold float64, dryRun bool) (int, error)
	Consolidate(ctx context.Context, topic string, keepOriginals bool) (*ConsolidateResult, error)

	// Embedding maintenance
	MissingEmbeddings(ctx context.Context, topic string, force bool) ([]model.Memory, error)
	SetEmbedding(ctx context.Context, id string, vec []float32) error

	// Semantic store
	CreateMemoir(ctx context.Context, name, description string) (*model.Memoir, error)
	MemoirByName(ctx context.Context, name string) (*model.Memoir, error)
	ListMemoirs(ctx context.Context) ([]model.Memoir, error)
	MemoirStats(ctx context.Context, memoirID string) (*model.MemoirStats, error)
	AddConcept(ctx context.Context, c *model.Concept) (string, error)
	ConceptByName(ctx context.Context, memoirID, name string) (*model.Concept, error)
	ListConcepts(ctx context.Context, memoirID string) ([]model.Concept, error)
	RefineConcept(ctx context.Context, memoirID, name, definition string, sourceIDs []string) (*model.Concept, error)
	Link(ctx context.Context, memoirID, fromName, toName string, kind model.RelationKind) (*model.Relation, error)
	RelationsFrom(ctx context.Context, conceptID string) ([]model.Relation, error)
	RelationsTo(ctx context.Context, conceptID string) ([]model.Relation, error)
	SearchConcepts(ctx context.Context, memoirID, query, label string, limit int) ([]model.Concept, error)
	SearchConceptsAll(ctx context.Context, query string, limit int) ([]model.Concept, error)
	Inspect(ctx context.Context, memoirID, conceptName string, depth int) (*InspectResult, error)

	// Stats
	Stats(ctx context.Context) (*model.StoreStats, error)

	Close() error
}
