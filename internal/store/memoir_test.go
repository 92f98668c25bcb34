package store

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

func newMemoir(t *testing.T, s *SQLiteStore, name string) *model.Memoir {
	t.Helper()
	m, err := s.CreateMemoir(context.Background(), name, "about "+name)
	require.NoError(t, err)
	return m
}

func addConcept(t *testing.T, s *SQLiteStore, memoirID, name, def string) *model.Concept {
	t.Helper()
	c := model.NewConcept(memoirID, name, def)
	_, err := s.AddConcept(context.Background(), c)
	require.NoError(t, err)
	return c
}

func TestMemoirCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := newMemoir(t, s, "arch")
	got, err := s.MemoirByName(ctx, "arch")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "about arch", got.Description)
	assert.Equal(t, 50, got.ConsolidationThreshold)

	_, err = s.MemoirByName(ctx, "ghost")
	assert.Equal(t, icmerr.NotFound, icmerr.KindOf(err))

	_, err = s.CreateMemoir(ctx, "arch", "duplicate")
	assert.Equal(t, icmerr.Conflict, icmerr.KindOf(err))

	_, err = s.CreateMemoir(ctx, "  ", "")
	assert.Equal(t, icmerr.InvalidInput, icmerr.KindOf(err))
}

func TestListMemoirsSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newMemoir(t, s, "zeta")
	newMemoir(t, s, "alpha")

	list, err := s.ListMemoirs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestConceptCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")

	c := model.NewConcept(m.ID, "event-sourcing", "events in an append-only log")
	c.Labels = []string{"arch", "decision"}
	_, err := s.AddConcept(ctx, c)
	require.NoError(t, err)

	got, err := s.ConceptByName(ctx, m.ID, "event-sourcing")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, []string{"arch", "decision"}, got.Labels)
	assert.Equal(t, 1, got.Revision)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)

	// Unique per memoir.
	dup := model.NewConcept(m.ID, "event-sourcing", "other definition")
	_, err = s.AddConcept(ctx, dup)
	assert.Equal(t, icmerr.Conflict, icmerr.KindOf(err))

	// Same name in a different memoir is fine.
	other := newMemoir(t, s, "proj2")
	_, err = s.AddConcept(ctx, model.NewConcept(other.ID, "event-sourcing", "def"))
	assert.NoError(t, err)

	// Names are case-sensitive.
	_, err = s.ConceptByName(ctx, m.ID, "Event-Sourcing")
	assert.Equal(t, icmerr.NotFound, icmerr.KindOf(err))
}

func TestAddConceptDanglingMemoir(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := model.NewConcept("no-such-memoir", "orphan", "def")
	_, err := s.AddConcept(ctx, c)
	assert.Equal(t, icmerr.DanglingReference, icmerr.KindOf(err))
}

func TestRefineConcept(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")
	addConcept(t, s, m.ID, "es", "events v1")

	refined, err := s.RefineConcept(ctx, m.ID, "es", "events v2 with snapshots", []string{"mem-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, refined.Revision)
	assert.Equal(t, "events v2 with snapshots", refined.Definition)
	assert.InDelta(t, 0.6, refined.Confidence, 1e-9)
	assert.Equal(t, []string{"mem-1"}, refined.SourceMemoryIDs)

	// Source ids merge without duplicates; confidence caps at 1.0.
	for i := 0; i < 10; i++ {
		refined, err = s.RefineConcept(ctx, m.ID, "es", "events v3", []string{"mem-1", "mem-2"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"mem-1", "mem-2"}, refined.SourceMemoryIDs)
	assert.Equal(t, 1.0, refined.Confidence)
	assert.True(t, refined.RefinedAt.After(refined.CreatedAt) || refined.RefinedAt.Equal(refined.CreatedAt))

	_, err = s.RefineConcept(ctx, m.ID, "ghost", "def", nil)
	assert.Equal(t, icmerr.NotFound, icmerr.KindOf(err))
}

func TestLinkRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")
	addConcept(t, s, m.ID, "api", "the public api")
	addConcept(t, s, m.ID, "db", "the database")

	r, err := s.Link(ctx, m.ID, "api", "db", model.RelDependsOn)
	require.NoError(t, err)
	assert.Equal(t, model.RelDependsOn, r.Kind)

	// Duplicate (from, to, kind) triple.
	_, err = s.Link(ctx, m.ID, "api", "db", model.RelDependsOn)
	assert.Equal(t, icmerr.Conflict, icmerr.KindOf(err))

	// Same endpoints, different kind is a distinct edge.
	_, err = s.Link(ctx, m.ID, "api", "db", model.RelRelatedTo)
	assert.NoError(t, err)

	// Self-loop.
	_, err = s.Link(ctx, m.ID, "api", "api", model.RelRelatedTo)
	assert.Equal(t, icmerr.InvalidInput, icmerr.KindOf(err))

	// Dangling endpoints.
	_, err = s.Link(ctx, m.ID, "api", "ghost", model.RelDependsOn)
	assert.Equal(t, icmerr.DanglingReference, icmerr.KindOf(err))
	_, err = s.Link(ctx, m.ID, "ghost", "db", model.RelDependsOn)
	assert.Equal(t, icmerr.DanglingReference, icmerr.KindOf(err))

	// Unknown kind.
	_, err = s.Link(ctx, m.ID, "api", "db", "causes")
	assert.Equal(t, icmerr.InvalidInput, icmerr.KindOf(err))
}

func TestLinkAcrossMemoirsIsDangling(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m1 := newMemoir(t, s, "one")
	m2 := newMemoir(t, s, "two")
	addConcept(t, s, m1.ID, "a", "def")
	addConcept(t, s, m2.ID, "b", "def")

	// b lives in the other memoir, so from m1's perspective it dangles.
	_, err := s.Link(ctx, m1.ID, "a", "b", model.RelRelatedTo)
	assert.Equal(t, icmerr.DanglingReference, icmerr.KindOf(err))
}

func TestInspectLayers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "arch")
	addConcept(t, s, m.ID, "api", "the public api")
	addConcept(t, s, m.ID, "db", "the database")

	_, err := s.Link(ctx, m.ID, "api", "db", model.RelDependsOn)
	require.NoError(t, err)

	res, err := s.Inspect(ctx, m.ID, "api", 1)
	require.NoError(t, err)
	require.Len(t, res.Layers, 2)
	assert.Equal(t, "api", res.Layers[0][0].Name)
	require.Len(t, res.Layers[1], 1)
	assert.Equal(t, "db", res.Layers[1][0].Name)
	assert.Equal(t, model.RelDependsOn, res.Layers[1][0].Via)
}

func TestInspectDeterministicAndBounded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "graph")

	// a -> b -> c -> d plus a second depth-1 neighbor with another kind.
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		addConcept(t, s, m.ID, name, "node "+name)
	}
	mustLink := func(from, to string, kind model.RelationKind) {
		_, err := s.Link(ctx, m.ID, from, to, kind)
		require.NoError(t, err)
	}
	mustLink("a", "b", model.RelDependsOn)
	mustLink("b", "c", model.RelDependsOn)
	mustLink("c", "d", model.RelDependsOn)
	mustLink("e", "a", model.RelPartOf) // incoming edge also traversed

	depth1, err := s.Inspect(ctx, m.ID, "a", 1)
	require.NoError(t, err)
	require.Len(t, depth1.Layers, 2)
	// Sorted by (kind, name): depends_on < part_of.
	assert.Equal(t, "b", depth1.Layers[1][0].Name)
	assert.Equal(t, "e", depth1.Layers[1][1].Name)

	depth3, err := s.Inspect(ctx, m.ID, "a", 3)
	require.NoError(t, err)
	require.Len(t, depth3.Layers, 4)
	assert.Equal(t, "c", depth3.Layers[2][0].Name)
	assert.Equal(t, "d", depth3.Layers[3][0].Name)

	// Determinism: repeated calls return identical structures.
	again, err := s.Inspect(ctx, m.ID, "a", 3)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(depth3, again))
}

func TestInspectCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "cyc")
	addConcept(t, s, m.ID, "x", "node x")
	addConcept(t, s, m.ID, "y", "node y")

	_, err := s.Link(ctx, m.ID, "x", "y", model.RelRelatedTo)
	require.NoError(t, err)
	_, err = s.Link(ctx, m.ID, "y", "x", model.RelRelatedTo)
	require.NoError(t, err)

	res, err := s.Inspect(ctx, m.ID, "x", 5)
	require.NoError(t, err)
	// The cycle collapses to two layers thanks to the visited set.
	require.Len(t, res.Layers, 2)
	assert.Equal(t, "y", res.Layers[1][0].Name)
}

func TestConceptSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")

	es := model.NewConcept(m.ID, "event-sourcing", "store domain events in an append-only log")
	es.Labels = []string{"arch"}
	_, err := s.AddConcept(ctx, es)
	require.NoError(t, err)

	cq := model.NewConcept(m.ID, "cqrs", "command query responsibility segregation")
	cq.Labels = []string{"pattern"}
	_, err = s.AddConcept(ctx, cq)
	require.NoError(t, err)

	found, err := s.SearchConcepts(ctx, m.ID, "events", "", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "event-sourcing", found[0].Name)

	// Label restriction.
	found, err = s.SearchConcepts(ctx, m.ID, "events", "pattern", 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = s.SearchConcepts(ctx, m.ID, "events", "arch", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestConceptSearchAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m1 := newMemoir(t, s, "one")
	m2 := newMemoir(t, s, "two")
	addConcept(t, s, m1.ID, "raft", "raft consensus protocol")
	addConcept(t, s, m2.ID, "paxos", "paxos consensus protocol")

	found, err := s.SearchConceptsAll(ctx, "consensus", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestDeleteConceptCascadesRelations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")
	a := addConcept(t, s, m.ID, "a", "node a")
	b := addConcept(t, s, m.ID, "b", "node b")

	_, err := s.Link(ctx, m.ID, "a", "b", model.RelDependsOn)
	require.NoError(t, err)

	// Deleting a concept removes every relation it participates in.
	_, err = s.db.Exec(`DELETE FROM concepts WHERE id = ?`, b.ID)
	require.NoError(t, err)

	rels, err := s.RelationsFrom(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestMemoirStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newMemoir(t, s, "proj")

	c1 := model.NewConcept(m.ID, "a", "node a")
	c1.Labels = []string{"arch"}
	_, err := s.AddConcept(ctx, c1)
	require.NoError(t, err)

	c2 := model.NewConcept(m.ID, "b", "node b")
	c2.Labels = []string{"arch", "tech"}
	_, err = s.AddConcept(ctx, c2)
	require.NoError(t, err)

	_, err = s.Link(ctx, m.ID, "a", "b", model.RelDependsOn)
	require.NoError(t, err)

	st, err := s.MemoirStats(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalConcepts)
	assert.Equal(t, 1, st.TotalLinks)
	assert.InDelta(t, 0.5, st.AvgConfidence, 1e-9)
	assert.Equal(t, 2, st.LabelCounts["arch"])
	assert.Equal(t, 1, st.LabelCounts["tech"])
}
