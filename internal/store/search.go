package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/icm-sh/icm/internal/embedding"
	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

// Recall runs ranked retrieval: hybrid FTS+vector when a query embedding is
// supplied, FTS-only otherwise, with a substring fallback when FTS finds
// nothing. Returned rows are reinforced best-effort.
func (s *SQLiteStore) Recall(ctx context.Context, p RecallParams) ([]RecallResult, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, icmerr.E(icmerr.InvalidInput, "query must not be empty")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 5
	}

	// Opportunistic decay keeps weights current without a scheduler.
	if err := s.MaybeAutoDecay(ctx); err != nil {
		slog.Warn("auto-decay failed", "error", err)
	}

	var results []RecallResult
	var err error
	if len(p.QueryEmbedding) > 0 {
		results, err = s.recallHybrid(ctx, p.Query, p.QueryEmbedding)
	} else {
		results, err = s.recallFTS(ctx, p.Query)
	}
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		results, err = s.recallSubstring(ctx, p.Query)
		if err != nil {
			return nil, err
		}
	}

	results = filterResults(results, p)
	if len(results) > limit {
		results = results[:limit]
	}

	// Reinforcement is best-effort: a read must never fail because of an
	// optional write.
	for i := range results {
		if err := s.Reinforce(ctx, results[i].ID); err != nil {
			slog.Warn("reinforcement failed", "id", results[i].ID, "error", err)
			continue
		}
		results[i].AccessCount++
	}

	return results, nil
}

func filterResults(in []RecallResult, p RecallParams) []RecallResult {
	out := in[:0]
	for _, r := range in {
		if p.Topic != "" && r.Topic != p.Topic {
			continue
		}
		if p.Keyword != "" && !keywordMatch(r.Keywords, p.Keyword) {
			continue
		}
		if r.Weight < p.MinWeight {
			continue
		}
		out = append(out, r)
	}
	return out
}

func keywordMatch(keywords []string, sub string) bool {
	sub = strings.ToLower(sub)
	for _, k := range keywords {
		if strings.Contains(strings.ToLower(k), sub) {
			return true
		}
	}
	return false
}

type scored struct {
	mem   model.Memory
	score float64
}

// recallHybrid fans the FTS and KNN branches out in parallel, then fuses
// the min-max-normalized scores.
func (s *SQLiteStore) recallHybrid(ctx context.Context, query string, queryEmb []float32) ([]RecallResult, error) {
	var ftsHits, vecHits []scored

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ftsHits, err = s.searchFTS(gctx, query, s.opts.RerankCandidates)
		return err
	})
	g.Go(func() error {
		var err error
		vecHits, err = s.searchVector(gctx, queryEmb, s.opts.RerankCandidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alpha, beta := s.opts.BM25Weight, s.opts.VectorWeight
	if sum := alpha + beta; sum > 0 {
		alpha, beta = alpha/sum, beta/sum
	} else {
		alpha, beta = 0.3, 0.7
	}

	ftsNorm := normalizeScores(ftsHits)
	vecNorm := normalizeScores(vecHits)

	merged := map[string]*RecallResult{}
	for i, h := range ftsHits {
		merged[h.mem.ID] = &RecallResult{Memory: h.mem, Score: alpha * ftsNorm[i]}
	}
	for i, h := range vecHits {
		if r, ok := merged[h.mem.ID]; ok {
			r.Score += beta * vecNorm[i]
		} else {
			merged[h.mem.ID] = &RecallResult{Memory: h.mem, Score: beta * vecNorm[i]}
		}
	}

	out := make([]RecallResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sortResults(out)
	return out, nil
}

func (s *SQLiteStore) recallFTS(ctx context.Context, query string) ([]RecallResult, error) {
	hits, err := s.searchFTS(ctx, query, s.opts.RerankCandidates)
	if err != nil {
		return nil, err
	}
	norm := normalizeScores(hits)
	out := make([]RecallResult, len(hits))
	for i, h := range hits {
		out[i] = RecallResult{Memory: h.mem, Score: norm[i]}
	}
	sortResults(out)
	return out, nil
}

// searchFTS matches the query against (topic, summary, keywords), scored
// with BM25 negated so larger is better.
func (s *SQLiteStore) searchFTS(ctx context.Context, query string, limit int) ([]scored, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.rd.QueryContext(ctx, `
		SELECT `+prefixCols("m")+`, -bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ?
		ORDER BY score DESC
		LIMIT ?`, match, limit)
	if err != nil {
		// A degenerate MATCH expression is a miss, not a failure; the
		// substring fallback takes over.
		slog.Debug("fts query failed", "error", err)
		return nil, nil
	}
	defer rows.Close()

	var out []scored
	for rows.Next() {
		sc, err := scanScored(rows)
		if err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan fts hit")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ftsMatchExpr quotes each token so user punctuation cannot break the
// MATCH grammar; tokens are OR-ed for recall.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, ``)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// searchVector brute-force scans embedded rows and ranks by cosine. Small
// corpora make a full scan acceptable; rerank_candidates caps the result.
func (s *SQLiteStore) searchVector(ctx context.Context, queryEmb []float32, limit int) ([]scored, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "vector scan")
	}
	defer rows.Close()

	var out []scored
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan embedded memory")
		}
		cos := embedding.Cosine(queryEmb, m.Embedding)
		if cos < 0 {
			cos = 0
		}
		out = append(out, scored{mem: *m, score: cos})
	}
	if err := rows.Err(); err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "vector scan")
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recallSubstring is the last-resort mode: case-insensitive substring match
// over summary, topic, and keywords.
func (s *SQLiteStore) recallSubstring(ctx context.Context, query string) ([]RecallResult, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.rd.QueryContext(ctx, `
		SELECT `+memoryCols+` FROM memories
		WHERE lower(summary) LIKE ? OR lower(topic) LIKE ? OR lower(keywords) LIKE ?
		ORDER BY weight DESC, last_accessed DESC, id DESC
		LIMIT ?`, pattern, pattern, pattern, s.opts.RerankCandidates)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "substring search")
	}
	defer rows.Close()

	mems, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make([]RecallResult, len(mems))
	for i, m := range mems {
		out[i] = RecallResult{Memory: m, Score: 0}
	}
	return out, nil
}

// normalizeScores min-max normalizes within a result list: a single result
// becomes 1.0, identical scores become 0.5.
func normalizeScores(hits []scored) []float64 {
	norm := make([]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}
	if len(hits) == 1 {
		norm[0] = 1.0
		return norm
	}
	lo, hi := hits[0].score, hits[0].score
	for _, h := range hits[1:] {
		if h.score < lo {
			lo = h.score
		}
		if h.score > hi {
			hi = h.score
		}
	}
	if hi == lo {
		for i := range norm {
			norm[i] = 0.5
		}
		return norm
	}
	for i, h := range hits {
		norm[i] = (h.score - lo) / (hi - lo)
	}
	return norm
}

// sortResults orders by fused score, breaking ties by higher weight, newer
// last_accessed, then larger id.
func sortResults(rs []RecallResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return a.ID > b.ID
	})
}

func prefixCols(alias string) string {
	cols := strings.Split(memoryCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanScored(row scanner) (scored, error) {
	var m model.Memory
	var createdAt, lastAccessed, keywordsJSON, sourceJSON, relatedJSON string
	var raw sql.NullString
	var blob []byte
	var score float64

	err := row.Scan(&m.ID, &createdAt, &lastAccessed, &m.AccessCount, &m.Weight,
		&m.Topic, &m.Summary, &raw, &keywordsJSON, &m.Importance, &sourceJSON,
		&relatedJSON, &blob, &score)
	if err != nil {
		return scored{}, err
	}

	m.CreatedAt = parseTime(createdAt)
	m.LastAccessed = parseTime(lastAccessed)
	if raw.Valid {
		m.RawExcerpt = raw.String
	}
	json.Unmarshal([]byte(keywordsJSON), &m.Keywords)
	json.Unmarshal([]byte(sourceJSON), &m.Source)
	json.Unmarshal([]byte(relatedJSON), &m.RelatedIDs)
	m.Embedding = embedding.DecodeVector(blob)
	return scored{mem: m, score: score}, nil
}
