package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

// CreateMemoir registers a new named knowledge container.
func (s *SQLiteStore) CreateMemoir(ctx context.Context, name, description string) (*model.Memoir, error) {
	if strings.TrimSpace(name) == "" {
		return nil, icmerr.E(icmerr.InvalidInput, "memoir name must not be empty")
	}
	m := model.NewMemoir(name, description)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memoirs (id, name, description, created_at, updated_at, consolidation_threshold)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), m.ConsolidationThreshold)
	if err != nil {
		return nil, mapSQLErr(err, "create memoir")
	}
	return m, nil
}

const memoirCols = `id, name, description, created_at, updated_at, consolidation_threshold`

// MemoirByName resolves a memoir; unknown names are not_found.
func (s *SQLiteStore) MemoirByName(ctx context.Context, name string) (*model.Memoir, error) {
	row := s.rd.QueryRowContext(ctx,
		`SELECT `+memoirCols+` FROM memoirs WHERE name = ?`, name)
	m, err := scanMemoir(row)
	if err == sql.ErrNoRows {
		return nil, icmerr.E(icmerr.NotFound, "memoir not found: %s", name)
	}
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "get memoir %s", name)
	}
	return m, nil
}

// ListMemoirs returns all memoirs ordered by name.
func (s *SQLiteStore) ListMemoirs(ctx context.Context) ([]model.Memoir, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT `+memoirCols+` FROM memoirs ORDER BY name`)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list memoirs")
	}
	defer rows.Close()

	var out []model.Memoir
	for rows.Next() {
		m, err := scanMemoir(rows)
		if err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan memoir")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MemoirStats aggregates a memoir's graph.
func (s *SQLiteStore) MemoirStats(ctx context.Context, memoirID string) (*model.MemoirStats, error) {
	st := &model.MemoirStats{LabelCounts: map[string]int{}}

	err := s.rd.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM concepts WHERE memoir_id = ?`,
		memoirID).Scan(&st.TotalConcepts, &st.AvgConfidence)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "concept stats")
	}
	err = s.rd.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations WHERE memoir_id = ?`, memoirID).Scan(&st.TotalLinks)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "relation stats")
	}

	concepts, err := s.ListConcepts(ctx, memoirID)
	if err != nil {
		return nil, err
	}
	for _, c := range concepts {
		for _, l := range c.Labels {
			st.LabelCounts[l]++
		}
	}
	return st, nil
}

const conceptCols = `id, memoir_id, name, definition, labels, confidence, revision,
	created_at, refined_at, source_memory_ids`

// AddConcept inserts a concept; names are unique per memoir.
func (s *SQLiteStore) AddConcept(ctx context.Context, c *model.Concept) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", icmerr.E(icmerr.InvalidInput, "concept name must not be empty")
	}
	labelsJSON, _ := json.Marshal(nonNil(c.Labels))
	sourceJSON, _ := json.Marshal(nonNil(c.SourceMemoryIDs))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concepts (id, memoir_id, name, definition, labels, confidence,
			revision, created_at, refined_at, source_memory_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MemoirID, c.Name, c.Definition, string(labelsJSON), c.Confidence,
		c.Revision, fmtTime(c.CreatedAt), fmtTime(c.RefinedAt), string(sourceJSON))
	if err != nil {
		return "", mapSQLErr(err, "add concept")
	}
	return c.ID, nil
}

// ConceptByName resolves a concept within a memoir; names are case-sensitive.
func (s *SQLiteStore) ConceptByName(ctx context.Context, memoirID, name string) (*model.Concept, error) {
	row := s.rd.QueryRowContext(ctx,
		`SELECT `+conceptCols+` FROM concepts WHERE memoir_id = ? AND name = ?`, memoirID, name)
	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, icmerr.E(icmerr.NotFound, "concept not found: %s", name)
	}
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "get concept %s", name)
	}
	return c, nil
}

// ListConcepts lists a memoir's concepts ordered by name.
func (s *SQLiteStore) ListConcepts(ctx context.Context, memoirID string) ([]model.Concept, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT `+conceptCols+` FROM concepts WHERE memoir_id = ? ORDER BY name`, memoirID)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list concepts")
	}
	defer rows.Close()
	return collectConcepts(rows)
}

// RefineConcept overwrites the definition, bumps revision and refined_at,
// boosts confidence, and merges new source memory ids.
func (s *SQLiteStore) RefineConcept(ctx context.Context, memoirID, name, definition string, sourceIDs []string) (*model.Concept, error) {
	c, err := s.ConceptByName(ctx, memoirID, name)
	if err != nil {
		return nil, err
	}

	c.Definition = definition
	c.Revision++
	c.RefinedAt = time.Now().UTC()
	if c.Confidence += 0.1; c.Confidence > 1.0 {
		c.Confidence = 1.0
	}
	for _, sid := range sourceIDs {
		found := false
		for _, existing := range c.SourceMemoryIDs {
			if existing == sid {
				found = true
				break
			}
		}
		if !found {
			c.SourceMemoryIDs = append(c.SourceMemoryIDs, sid)
		}
	}

	sourceJSON, _ := json.Marshal(nonNil(c.SourceMemoryIDs))
	_, err = s.db.ExecContext(ctx, `
		UPDATE concepts SET definition = ?, revision = ?, confidence = ?,
			refined_at = ?, source_memory_ids = ?
		WHERE id = ?`,
		c.Definition, c.Revision, c.Confidence, fmtTime(c.RefinedAt), string(sourceJSON), c.ID)
	if err != nil {
		return nil, mapSQLErr(err, "refine concept")
	}
	return c, nil
}

// Link creates a directed typed edge between two named concepts of the same
// memoir. Self-loops and duplicate (from, to, kind) triples are rejected.
func (s *SQLiteStore) Link(ctx context.Context, memoirID, fromName, toName string, kind model.RelationKind) (*model.Relation, error) {
	if _, err := model.ParseRelationKind(string(kind)); err != nil {
		return nil, err
	}
	if fromName == toName {
		return nil, icmerr.E(icmerr.InvalidInput, "self-loops are not allowed: %s", fromName)
	}

	from, err := s.ConceptByName(ctx, memoirID, fromName)
	if err != nil {
		if icmerr.Is(err, icmerr.NotFound) {
			return nil, icmerr.E(icmerr.DanglingReference, "source concept not found: %s", fromName)
		}
		return nil, err
	}
	to, err := s.ConceptByName(ctx, memoirID, toName)
	if err != nil {
		if icmerr.Is(err, icmerr.NotFound) {
			return nil, icmerr.E(icmerr.DanglingReference, "target concept not found: %s", toName)
		}
		return nil, err
	}

	r := &model.Relation{
		ID:        model.NewID(),
		MemoirID:  memoirID,
		FromID:    from.ID,
		ToID:      to.ID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relations (id, memoir_id, from_id, to_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.MemoirID, r.FromID, r.ToID, string(r.Kind), fmtTime(r.CreatedAt))
	if err != nil {
		return nil, mapSQLErr(err, "link concepts")
	}
	return r, nil
}

// RelationsFrom lists outgoing edges of a concept.
func (s *SQLiteStore) RelationsFrom(ctx context.Context, conceptID string) ([]model.Relation, error) {
	return s.relations(ctx, `from_id`, conceptID)
}

// RelationsTo lists incoming edges of a concept.
func (s *SQLiteStore) RelationsTo(ctx context.Context, conceptID string) ([]model.Relation, error) {
	return s.relations(ctx, `to_id`, conceptID)
}

func (s *SQLiteStore) relations(ctx context.Context, col, conceptID string) ([]model.Relation, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT id, memoir_id, from_id, to_id, kind, created_at FROM relations WHERE `+col+` = ?`,
		conceptID)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list relations")
	}
	defer rows.Close()

	var out []model.Relation
	for rows.Next() {
		var r model.Relation
		var created string
		if err := rows.Scan(&r.ID, &r.MemoirID, &r.FromID, &r.ToID, &r.Kind, &created); err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan relation")
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchConcepts full-text searches a memoir's concepts over name and
// definition, optionally restricted to a label, ordered by confidence.
func (s *SQLiteStore) SearchConcepts(ctx context.Context, memoirID, query, label string, limit int) ([]model.Concept, error) {
	concepts, err := s.searchConceptsFTS(ctx, query, limit, &memoirID)
	if err != nil {
		return nil, err
	}
	if label == "" {
		return concepts, nil
	}
	out := concepts[:0]
	for _, c := range concepts {
		for _, l := range c.Labels {
			if l == label {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// SearchConceptsAll searches across every memoir.
func (s *SQLiteStore) SearchConceptsAll(ctx context.Context, query string, limit int) ([]model.Concept, error) {
	return s.searchConceptsFTS(ctx, query, limit, nil)
}

func (s *SQLiteStore) searchConceptsFTS(ctx context.Context, query string, limit int, memoirID *string) ([]model.Concept, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}
	// Only the name and definition columns take part in the match.
	match = "{name definition} : (" + match + ")"
	if limit <= 0 {
		limit = 10
	}

	q := `
		SELECT ` + prefixConceptCols("c") + `
		FROM concepts_fts
		JOIN concepts c ON c.id = concepts_fts.id
		WHERE concepts_fts MATCH ?`
	args := []any{match}
	if memoirID != nil {
		q += ` AND c.memoir_id = ?`
		args = append(args, *memoirID)
	}
	q += ` ORDER BY c.confidence DESC, c.name LIMIT ?`
	args = append(args, limit)

	rows, err := s.rd.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil // degenerate MATCH is a miss, not a failure
	}
	defer rows.Close()
	return collectConcepts(rows)
}

// Inspect runs a bounded BFS from a root concept across all edge kinds in
// both directions. Layer 0 is the root; each further layer is sorted by
// (kind, name) so identical state yields identical output.
func (s *SQLiteStore) Inspect(ctx context.Context, memoirID, conceptName string, depth int) (*InspectResult, error) {
	if depth < 1 {
		depth = 1
	}
	root, err := s.ConceptByName(ctx, memoirID, conceptName)
	if err != nil {
		return nil, err
	}

	result := &InspectResult{
		Layers: [][]InspectNode{{{Name: root.Name, Definition: root.Definition}}},
	}

	visited := map[string]bool{root.ID: true}
	frontier := []string{root.ID}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var layer []InspectNode
		var nextFrontier []string

		for _, id := range frontier {
			neighbors, err := s.neighbors(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n.conceptID] {
					continue
				}
				visited[n.conceptID] = true
				layer = append(layer, InspectNode{Name: n.name, Definition: n.definition, Via: n.kind})
				nextFrontier = append(nextFrontier, n.conceptID)
			}
		}

		if len(layer) == 0 {
			break
		}
		sort.Slice(layer, func(i, j int) bool {
			if layer[i].Via != layer[j].Via {
				return layer[i].Via < layer[j].Via
			}
			return layer[i].Name < layer[j].Name
		})
		result.Layers = append(result.Layers, layer)
		frontier = nextFrontier
	}

	return result, nil
}

type neighbor struct {
	conceptID  string
	name       string
	definition string
	kind       model.RelationKind
}

// neighbors returns adjacent concepts in both edge directions, annotated
// with the connecting kind, in deterministic (kind, name) order.
func (s *SQLiteStore) neighbors(ctx context.Context, conceptID string) ([]neighbor, error) {
	rows, err := s.rd.QueryContext(ctx, `
		SELECT c.id, c.name, c.definition, r.kind
		FROM relations r JOIN concepts c ON c.id = r.to_id
		WHERE r.from_id = ?
		UNION ALL
		SELECT c.id, c.name, c.definition, r.kind
		FROM relations r JOIN concepts c ON c.id = r.from_id
		WHERE r.to_id = ?
		ORDER BY 4, 2`, conceptID, conceptID)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "neighbors")
	}
	defer rows.Close()

	var out []neighbor
	for rows.Next() {
		var n neighbor
		if err := rows.Scan(&n.conceptID, &n.name, &n.definition, &n.kind); err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan neighbor")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanMemoir(row scanner) (*model.Memoir, error) {
	var m model.Memoir
	var created, updated string
	err := row.Scan(&m.ID, &m.Name, &m.Description, &created, &updated, &m.ConsolidationThreshold)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

func scanConcept(row scanner) (*model.Concept, error) {
	var c model.Concept
	var created, refined, labelsJSON, sourceJSON string
	err := row.Scan(&c.ID, &c.MemoirID, &c.Name, &c.Definition, &labelsJSON,
		&c.Confidence, &c.Revision, &created, &refined, &sourceJSON)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.RefinedAt = parseTime(refined)
	json.Unmarshal([]byte(labelsJSON), &c.Labels)
	json.Unmarshal([]byte(sourceJSON), &c.SourceMemoryIDs)
	return &c, nil
}

func collectConcepts(rows *sql.Rows) ([]model.Concept, error) {
	var out []model.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan concept")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func prefixConceptCols(alias string) string {
	cols := strings.Split(conceptCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
