package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/icm-sh/icm/internal/icmerr"
)

// Options tune retrieval and lifecycle behavior. Zero values are replaced
// by the spec defaults; the two fusion weights are replaced only when both
// are zero, so a single zero weight is kept.
type Options struct {
	DecayRate        float64
	DecayMultipliers map[string]float64
	BM25Weight       float64
	VectorWeight     float64
	RerankCandidates int
}

// DefaultOptions returns the spec defaults.
func DefaultOptions() Options {
	return Options{
		DecayRate: 0.95,
		DecayMultipliers: map[string]float64{
			"critical": 0.0, "high": 0.5, "medium": 1.0, "low": 2.0,
		},
		BM25Weight:       0.3,
		VectorWeight:     0.7,
		RerankCandidates: 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DecayRate == 0 {
		o.DecayRate = d.DecayRate
	}
	if o.DecayMultipliers == nil {
		o.DecayMultipliers = d.DecayMultipliers
	}
	if o.BM25Weight == 0 && o.VectorWeight == 0 {
		o.BM25Weight, o.VectorWeight = d.BM25Weight, d.VectorWeight
	}
	if o.RerankCandidates == 0 {
		o.RerankCandidates = d.RerankCandidates
	}
	return o
}

// SQLiteStore implements Store against an embedded SQLite database with one
// writer connection and a small pool of readers.
type SQLiteStore struct {
	db   *sql.DB // single writer
	rd   *sql.DB // reader pool
	opts Options
}

var _ Store = (*SQLiteStore)(nil)

const readerPoolSize = 4

// NewSQLiteStore opens or creates the database at path and applies forward
// migrations.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "create db dir")
	}

	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "open db")
	}
	db.SetMaxOpenConns(1)

	rd, err := sql.Open("sqlite", dsn)
	if err != nil {
		db.Close()
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "open reader pool")
	}
	rd.SetMaxOpenConns(readerPoolSize)

	s := &SQLiteStore{db: db, rd: rd, opts: opts.withDefaults()}
	if err := s.migrate(); err != nil {
		db.Close()
		rd.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.rd.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// migrations run in order; the kv row schema_version tracks how many have
// been applied. A database written by a newer binary refuses to open.
var migrations = []string{
	`
	CREATE TABLE memories (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		access_count  INTEGER NOT NULL DEFAULT 0,
		weight        REAL NOT NULL DEFAULT 1.0,
		topic         TEXT NOT NULL,
		summary       TEXT NOT NULL,
		raw_excerpt   TEXT,
		keywords      TEXT NOT NULL DEFAULT '[]',
		importance    TEXT NOT NULL,
		source        TEXT NOT NULL,
		related_ids   TEXT NOT NULL DEFAULT '[]',
		embedding     BLOB
	);
	CREATE INDEX idx_memories_topic ON memories(topic);
	CREATE INDEX idx_memories_weight ON memories(weight);
	CREATE INDEX idx_memories_created ON memories(created_at DESC);

	CREATE VIRTUAL TABLE memories_fts USING fts5(
		id, topic, summary, keywords,
		content='memories',
		content_rowid='rowid'
	);
	CREATE TRIGGER memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, id, topic, summary, keywords)
		VALUES (new.rowid, new.id, new.topic, new.summary, new.keywords);
	END;
	CREATE TRIGGER memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, id, topic, summary, keywords)
		VALUES ('delete', old.rowid, old.id, old.topic, old.summary, old.keywords);
	END;
	CREATE TRIGGER memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, id, topic, summary, keywords)
		VALUES ('delete', old.rowid, old.id, old.topic, old.summary, old.keywords);
		INSERT INTO memories_fts(rowid, id, topic, summary, keywords)
		VALUES (new.rowid, new.id, new.topic, new.summary, new.keywords);
	END;

	CREATE TABLE memoirs (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		consolidation_threshold INTEGER NOT NULL DEFAULT 50
	);

	CREATE TABLE concepts (
		id          TEXT PRIMARY KEY,
		memoir_id   TEXT NOT NULL REFERENCES memoirs(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		definition  TEXT NOT NULL,
		labels      TEXT NOT NULL DEFAULT '[]',
		confidence  REAL NOT NULL DEFAULT 0.5,
		revision    INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		refined_at  TEXT NOT NULL,
		source_memory_ids TEXT NOT NULL DEFAULT '[]',
		UNIQUE(memoir_id, name)
	);
	CREATE INDEX idx_concepts_memoir ON concepts(memoir_id);

	CREATE VIRTUAL TABLE concepts_fts USING fts5(
		id, name, definition, labels,
		content='concepts',
		content_rowid='rowid'
	);
	CREATE TRIGGER concepts_ai AFTER INSERT ON concepts BEGIN
		INSERT INTO concepts_fts(rowid, id, name, definition, labels)
		VALUES (new.rowid, new.id, new.name, new.definition, new.labels);
	END;
	CREATE TRIGGER concepts_ad AFTER DELETE ON concepts BEGIN
		INSERT INTO concepts_fts(concepts_fts, rowid, id, name, definition, labels)
		VALUES ('delete', old.rowid, old.id, old.name, old.definition, old.labels);
	END;
	CREATE TRIGGER concepts_au AFTER UPDATE ON concepts BEGIN
		INSERT INTO concepts_fts(concepts_fts, rowid, id, name, definition, labels)
		VALUES ('delete', old.rowid, old.id, old.name, old.definition, old.labels);
		INSERT INTO concepts_fts(rowid, id, name, definition, labels)
		VALUES (new.rowid, new.id, new.name, new.definition, new.labels);
	END;

	CREATE TABLE relations (
		id         TEXT PRIMARY KEY,
		memoir_id  TEXT NOT NULL REFERENCES memoirs(id) ON DELETE CASCADE,
		from_id    TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		to_id      TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(memoir_id, from_id, to_id, kind),
		CHECK(from_id != to_id)
	);
	CREATE INDEX idx_relations_from ON relations(from_id);
	CREATE INDEX idx_relations_to ON relations(to_id);
	`,
}

const (
	kvSchemaVersion = "schema_version"
	kvLastDecayAt   = "last_decay_at"
	kvEmbeddingDim  = "embedding_dim"
)

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return icmerr.Wrap(icmerr.StorageFailure, err, "create kv table")
	}

	stored := 0
	if v, err := s.getKV(context.Background(), kvSchemaVersion); err == nil && v != "" {
		stored, _ = strconv.Atoi(v)
	}

	if stored > len(migrations) {
		return icmerr.E(icmerr.SchemaMismatch,
			"database schema version %d is newer than this binary supports (%d)", stored, len(migrations))
	}

	for i := stored; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return icmerr.Wrap(icmerr.StorageFailure, err, "begin migration %d", i+1)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return icmerr.Wrap(icmerr.StorageFailure, err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kvSchemaVersion, strconv.Itoa(i+1)); err != nil {
			tx.Rollback()
			return icmerr.Wrap(icmerr.StorageFailure, err, "record migration %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return icmerr.Wrap(icmerr.StorageFailure, err, "commit migration %d", i+1)
		}
	}
	return nil
}

func (s *SQLiteStore) getKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.rd.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", icmerr.Wrap(icmerr.StorageFailure, err, "read kv %s", key)
	}
	return v, nil
}

func (s *SQLiteStore) setKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return icmerr.Wrap(icmerr.StorageFailure, err, "write kv %s", key)
}

// embeddingDim returns the enforced vector dimension, 0 when unset.
func (s *SQLiteStore) embeddingDim(ctx context.Context) (int, error) {
	v, err := s.getKV(ctx, kvEmbeddingDim)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "corrupt embedding_dim")
	}
	return n, nil
}

// checkEmbeddingDim enforces the database-wide vector dimension, fixing it
// on first use.
func (s *SQLiteStore) checkEmbeddingDim(ctx context.Context, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	dim, err := s.embeddingDim(ctx)
	if err != nil {
		return err
	}
	if dim == 0 {
		return s.setKV(ctx, kvEmbeddingDim, strconv.Itoa(len(vec)))
	}
	if len(vec) != dim {
		return icmerr.E(icmerr.InvalidInput,
			"embedding dimension %d does not match database dimension %d", len(vec), dim)
	}
	return nil
}

// mapSQLErr converts engine constraint failures into the stable taxonomy.
func mapSQLErr(err error, context string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return icmerr.Wrap(icmerr.Conflict, err, "%s", context)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return icmerr.Wrap(icmerr.DanglingReference, err, "%s", context)
	case strings.Contains(msg, "CHECK constraint failed"):
		return icmerr.Wrap(icmerr.InvalidInput, err, "%s", context)
	default:
		return icmerr.Wrap(icmerr.StorageFailure, err, "%s", context)
	}
}

// timeLayout is fixed-width so stored timestamps order lexicographically;
// RFC3339Nano drops trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
