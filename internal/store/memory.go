package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/icm-sh/icm/internal/embedding"
	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

const memoryCols = `id, created_at, last_accessed, access_count, weight,
	topic, summary, raw_excerpt, keywords, importance, source, related_ids, embedding`

// Put inserts a memory. The id must be fresh; topic and summary must be
// non-empty; a non-nil embedding must match the database dimension.
func (s *SQLiteStore) Put(ctx context.Context, m *model.Memory) (string, error) {
	if strings.TrimSpace(m.Topic) == "" {
		return "", icmerr.E(icmerr.InvalidInput, "topic must not be empty")
	}
	if strings.TrimSpace(m.Summary) == "" {
		return "", icmerr.E(icmerr.InvalidInput, "summary must not be empty")
	}
	if _, err := model.ParseImportance(string(m.Importance)); err != nil {
		return "", err
	}
	if err := s.checkEmbeddingDim(ctx, m.Embedding); err != nil {
		return "", err
	}

	keywordsJSON, _ := json.Marshal(nonNil(m.Keywords))
	relatedJSON, _ := json.Marshal(nonNil(m.RelatedIDs))
	sourceJSON, _ := json.Marshal(m.Source)

	var raw *string
	if m.RawExcerpt != "" {
		raw = &m.RawExcerpt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, created_at, last_accessed, access_count, weight,
			topic, summary, raw_excerpt, keywords, importance, source, related_ids, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, fmtTime(m.CreatedAt), fmtTime(m.LastAccessed), m.AccessCount, m.Weight,
		m.Topic, m.Summary, raw, string(keywordsJSON), string(m.Importance),
		string(sourceJSON), string(relatedJSON), embedding.EncodeVector(m.Embedding))
	if err != nil {
		return "", mapSQLErr(err, "insert memory")
	}
	return m.ID, nil
}

// Get fetches a memory by id. It never mutates; nil is returned when the
// id is unknown.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := s.rd.QueryRowContext(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "get memory %s", id)
	}
	return m, nil
}

// Update overwrites every mutable column of an existing memory.
func (s *SQLiteStore) Update(ctx context.Context, m *model.Memory) error {
	if strings.TrimSpace(m.Topic) == "" || strings.TrimSpace(m.Summary) == "" {
		return icmerr.E(icmerr.InvalidInput, "topic and summary must not be empty")
	}
	if err := s.checkEmbeddingDim(ctx, m.Embedding); err != nil {
		return err
	}

	keywordsJSON, _ := json.Marshal(nonNil(m.Keywords))
	relatedJSON, _ := json.Marshal(nonNil(m.RelatedIDs))
	sourceJSON, _ := json.Marshal(m.Source)

	var raw *string
	if m.RawExcerpt != "" {
		raw = &m.RawExcerpt
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET last_accessed = ?, access_count = ?, weight = ?,
			topic = ?, summary = ?, raw_excerpt = ?, keywords = ?,
			importance = ?, source = ?, related_ids = ?, embedding = ?
		WHERE id = ?`,
		fmtTime(m.LastAccessed), m.AccessCount, m.Weight,
		m.Topic, m.Summary, raw, string(keywordsJSON),
		string(m.Importance), string(sourceJSON), string(relatedJSON),
		embedding.EncodeVector(m.Embedding), m.ID)
	if err != nil {
		return mapSQLErr(err, "update memory")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return icmerr.E(icmerr.NotFound, "memory not found: %s", m.ID)
	}
	return nil
}

// Delete removes a memory. Idempotent: deleting an unknown id reports
// false without error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, mapSQLErr(err, "delete memory")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ByTopic lists a topic's memories ordered by (created_at desc, id).
func (s *SQLiteStore) ByTopic(ctx context.Context, topic string) ([]model.Memory, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE topic = ? ORDER BY created_at DESC, id`, topic)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list topic %s", topic)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// Topics lists topics with counts, ordered by topic.
func (s *SQLiteStore) Topics(ctx context.Context) ([]model.TopicCount, error) {
	rows, err := s.rd.QueryContext(ctx,
		`SELECT topic, COUNT(*) FROM memories GROUP BY topic ORDER BY topic`)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list topics")
	}
	defer rows.Close()

	var out []model.TopicCount
	for rows.Next() {
		var tc model.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan topic")
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// MissingEmbeddings lists memories needing a vector: those without one, or
// every memory when force is set. Topic narrows the selection.
func (s *SQLiteStore) MissingEmbeddings(ctx context.Context, topic string, force bool) ([]model.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories`
	var where []string
	var args []any
	if !force {
		where = append(where, "embedding IS NULL")
	}
	if topic != "" {
		where = append(where, "topic = ?")
		args = append(args, topic)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.rd.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "list unembedded")
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SetEmbedding writes a memory's vector without touching access metadata.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	if err := s.checkEmbeddingDim(ctx, vec); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ? WHERE id = ?`, embedding.EncodeVector(vec), id)
	if err != nil {
		return mapSQLErr(err, "set embedding")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return icmerr.E(icmerr.NotFound, "memory not found: %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*model.Memory, error) {
	var m model.Memory
	var createdAt, lastAccessed, keywordsJSON, sourceJSON, relatedJSON string
	var raw sql.NullString
	var blob []byte

	err := row.Scan(&m.ID, &createdAt, &lastAccessed, &m.AccessCount, &m.Weight,
		&m.Topic, &m.Summary, &raw, &keywordsJSON, &m.Importance, &sourceJSON,
		&relatedJSON, &blob)
	if err != nil {
		return nil, err
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

	if _, err := model.ParseImportance(string(m.Importance)); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]model.Memory, error) {
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, icmerr.Wrap(icmerr.StorageFailure, err, "scan memory")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
