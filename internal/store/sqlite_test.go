package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"), DefaultOptions())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mem(topic, summary string) *model.Memory {
	return model.NewMemory(topic, summary, model.ImportanceMedium)
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mem("test", "hello world")
	m.Keywords = []string{"greeting"}
	m.RawExcerpt = "println(\"hello world\")"

	id, err := s.Put(ctx, m)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected memory, got nil")
	}
	if got.Summary != "hello world" || got.Topic != "test" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Weight != model.InitialWeight {
		t.Errorf("expected initial weight, got %v", got.Weight)
	}
	if got.AccessCount != 0 {
		t.Errorf("get must not reinforce, access_count=%d", got.AccessCount)
	}
	if got.RawExcerpt != m.RawExcerpt {
		t.Errorf("raw excerpt not preserved: %q", got.RawExcerpt)
	}
	if len(got.Keywords) != 1 || got.Keywords[0] != "greeting" {
		t.Errorf("keywords not preserved: %v", got.Keywords)
	}
}

func TestGetUnknownIsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Put(ctx, mem("", "summary")); !icmerr.Is(err, icmerr.InvalidInput) {
		t.Errorf("empty topic: expected invalid_input, got %v", err)
	}
	if _, err := s.Put(ctx, mem("topic", "  ")); !icmerr.Is(err, icmerr.InvalidInput) {
		t.Errorf("empty summary: expected invalid_input, got %v", err)
	}

	bad := mem("topic", "summary")
	bad.Importance = "urgent"
	if _, err := s.Put(ctx, bad); !icmerr.Is(err, icmerr.InvalidInput) {
		t.Errorf("bad importance: expected invalid_input, got %v", err)
	}
}

func TestPutDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mem("t", "first")
	if _, err := s.Put(ctx, m); err != nil {
		t.Fatalf("put: %v", err)
	}
	dup := mem("t", "second")
	dup.ID = m.ID
	if _, err := s.Put(ctx, dup); !icmerr.Is(err, icmerr.Conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestEmbeddingDimensionEnforced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := mem("t", "first")
	first.Embedding = []float32{1, 0, 0}
	if _, err := s.Put(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}

	second := mem("t", "second")
	second.Embedding = []float32{1, 0}
	if _, err := s.Put(ctx, second); !icmerr.Is(err, icmerr.InvalidInput) {
		t.Errorf("expected invalid_input on dim mismatch, got %v", err)
	}

	// Matching dimension still works.
	third := mem("t", "third")
	third.Embedding = []float32{0, 1, 0}
	if _, err := s.Put(ctx, third); err != nil {
		t.Errorf("put matching dim: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mem("t", "original")
	s.Put(ctx, m)

	m.Summary = "updated"
	m.Keywords = []string{"changed"}
	if err := s.Update(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.Get(ctx, m.ID)
	if got.Summary != "updated" {
		t.Errorf("expected updated summary, got %q", got.Summary)
	}

	ghost := mem("t", "ghost")
	if err := s.Update(ctx, ghost); !icmerr.Is(err, icmerr.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mem("t", "doomed")
	s.Put(ctx, m)

	deleted, err := s.Delete(ctx, m.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.Delete(ctx, m.ID)
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}
}

func TestByTopicOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mem("t", "first")
	b := mem("t", "second")
	c := mem("t", "third")
	b.CreatedAt = b.CreatedAt.Add(1e6) // force distinct timestamps
	c.CreatedAt = c.CreatedAt.Add(2e6)
	s.Put(ctx, a)
	s.Put(ctx, b)
	s.Put(ctx, c)
	s.Put(ctx, mem("other", "elsewhere"))

	got, err := s.ByTopic(ctx, "t")
	if err != nil {
		t.Fatalf("by topic: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].Summary != "third" || got[2].Summary != "first" {
		t.Errorf("expected newest first, got %q .. %q", got[0].Summary, got[2].Summary)
	}
}

func TestTopics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Put(ctx, mem("alpha", "one"))
	s.Put(ctx, mem("alpha", "two"))
	s.Put(ctx, mem("beta", "three"))

	topics, err := s.Topics(ctx)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	if topics[0].Topic != "alpha" || topics[0].Count != 2 {
		t.Errorf("unexpected first topic: %+v", topics[0])
	}
	if topics[1].Topic != "beta" || topics[1].Count != 1 {
		t.Errorf("unexpected second topic: %+v", topics[1])
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats empty: %v", err)
	}
	if st.TotalMemories != 0 || st.Oldest != nil {
		t.Errorf("unexpected empty stats: %+v", st)
	}

	s.Put(ctx, mem("a", "first"))
	s.Put(ctx, mem("b", "second"))

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalMemories != 2 || st.TotalTopics != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.AvgWeight != 1.0 {
		t.Errorf("expected avg weight 1.0, got %v", st.AvgWeight)
	}
	if st.Oldest == nil || st.Newest == nil {
		t.Error("expected oldest/newest set")
	}
}

// ftsRows reads the FTS table's view of the primary columns.
func ftsRows(t *testing.T, s *SQLiteStore) map[string]string {
	t.Helper()
	rows, err := s.rd.Query(`SELECT id, topic || '|' || summary || '|' || keywords FROM memories_fts`)
	if err != nil {
		t.Fatalf("query fts: %v", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, rest string
		rows.Scan(&id, &rest)
		out[id] = rest
	}
	return out
}

func primaryRows(t *testing.T, s *SQLiteStore) map[string]string {
	t.Helper()
	rows, err := s.rd.Query(`SELECT id, topic || '|' || summary || '|' || keywords FROM memories`)
	if err != nil {
		t.Fatalf("query memories: %v", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, rest string
		rows.Scan(&id, &rest)
		out[id] = rest
	}
	return out
}

// TestFTSCoherence drives a mixed sequence of mutations and checks the FTS
// table mirrors the primary table after every step.
func TestFTSCoherence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	check := func(step string) {
		t.Helper()
		p, f := primaryRows(t, s), ftsRows(t, s)
		if len(p) != len(f) {
			t.Fatalf("%s: row count diverged: primary=%d fts=%d", step, len(p), len(f))
		}
		for id, row := range p {
			if f[id] != row {
				t.Fatalf("%s: row %s diverged:\n  primary: %s\n  fts:     %s", step, id, row, f[id])
			}
		}
	}

	var ids []string
	for i, summary := range []string{"use Postgres", "cache with Redis", "deploy on Fridays"} {
		m := mem("infra", summary)
		m.Keywords = []string{"k" + string(rune('a'+i))}
		id, err := s.Put(ctx, m)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		ids = append(ids, id)
		check("after put")
	}

	got, _ := s.Get(ctx, ids[1])
	got.Summary = "cache with Redis, TTL 60s"
	got.Topic = "caching"
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	check("after update")

	if _, err := s.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	check("after delete")

	if _, err := s.Consolidate(ctx, "infra", false); err != nil {
		// only one memory left under infra; consolidation refuses
		if !icmerr.Is(err, icmerr.AlreadyConsolidated) {
			t.Fatalf("consolidate: %v", err)
		}
	}
	check("after consolidate attempt")
}

func TestSchemaMismatchRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "future.db")

	s, err := NewSQLiteStore(path, DefaultOptions())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.setKV(context.Background(), kvSchemaVersion, "999"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	s.Close()

	_, err = NewSQLiteStore(path, DefaultOptions())
	if !icmerr.Is(err, icmerr.SchemaMismatch) {
		t.Fatalf("expected schema_mismatch, got %v", err)
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s, err := NewSQLiteStore(path, DefaultOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Put(context.Background(), mem("t", "survives reopen"))
	s.Close()

	s, err = NewSQLiteStore(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.ByTopic(context.Background(), "t")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected surviving row, got %v err=%v", got, err)
	}
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(path, DefaultOptions())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}

func TestUnknownImportanceOnReadFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mem("t", "row with bad importance")
	s.Put(ctx, m)
	if _, err := s.db.Exec(`UPDATE memories SET importance = 'shiny' WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err := s.Get(ctx, m.ID)
	if err == nil || !strings.Contains(err.Error(), "importance") {
		t.Errorf("expected importance parse failure, got %v", err)
	}
}
