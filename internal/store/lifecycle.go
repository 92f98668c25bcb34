package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

const (
	// reinforceRate is the asymptotic recovery coefficient applied on
	// recall. Tunable in principle; kept constant pending calibration.
	reinforceRate = 0.1

	// autoDecayEvery gates the opportunistic decay run in Recall.
	autoDecayEvery = 24 * time.Hour
)

func (s *SQLiteStore) multiplier(imp model.Importance) float64 {
	if k, ok := s.opts.DecayMultipliers[string(imp)]; ok {
		return k
	}
	return 1.0
}

// ApplyDecay applies one explicit decay tick: w <- w * factor^k(importance),
// clamped to [0, 1]. Critical memories (multiplier 0) are left untouched.
// The whole pass commits as one transaction and stamps last_decay_at.
func (s *SQLiteStore) ApplyDecay(ctx context.Context, factor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, icmerr.E(icmerr.InvalidInput, "decay factor must be in (0, 1], got %v", factor)
	}
	return s.decayWith(ctx, func(m *rowWeight) float64 {
		k := s.multiplier(m.importance)
		if k == 0 {
			return m.weight
		}
		return clampWeight(m.weight * math.Pow(factor, k))
	})
}

// ApplyTimeDecay applies the continuous rule w <- w * r^(dDays * k), where
// dDays counts from the later of the last decay tick and the memory's
// creation.
func (s *SQLiteStore) ApplyTimeDecay(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	last := now
	if v, err := s.getKV(ctx, kvLastDecayAt); err != nil {
		return 0, err
	} else if v != "" {
		last = parseTime(v)
	}

	return s.decayWith(ctx, func(m *rowWeight) float64 {
		k := s.multiplier(m.importance)
		if k == 0 {
			return m.weight
		}
		from := last
		if m.createdAt.After(from) {
			from = m.createdAt
		}
		days := now.Sub(from).Hours() / 24
		if days <= 0 {
			return m.weight
		}
		return clampWeight(m.weight * math.Pow(s.opts.DecayRate, days*k))
	})
}

type rowWeight struct {
	id         string
	weight     float64
	importance model.Importance
	createdAt  time.Time
}

func (s *SQLiteStore) decayWith(ctx context.Context, next func(*rowWeight) float64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "begin decay")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, weight, importance, created_at FROM memories`)
	if err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "scan weights")
	}
	var all []rowWeight
	for rows.Next() {
		var rw rowWeight
		var created string
		if err := rows.Scan(&rw.id, &rw.weight, &rw.importance, &created); err != nil {
			rows.Close()
			return 0, icmerr.Wrap(icmerr.StorageFailure, err, "scan weight row")
		}
		rw.createdAt = parseTime(created)
		all = append(all, rw)
	}
	if err := rows.Close(); err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "scan weights")
	}

	changed := 0
	for i := range all {
		w := next(&all[i])
		if w == all[i].weight {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET weight = ? WHERE id = ?`, w, all[i].id); err != nil {
			return 0, icmerr.Wrap(icmerr.StorageFailure, err, "update weight")
		}
		changed++
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		kvLastDecayAt, fmtTime(time.Now())); err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "stamp last_decay_at")
	}

	if err := tx.Commit(); err != nil {
		return 0, icmerr.Wrap(icmerr.StorageFailure, err, "commit decay")
	}
	return changed, nil
}

// MaybeAutoDecay runs a time decay pass when the last one is at least 24h
// old. A fresh database just records the current instant.
func (s *SQLiteStore) MaybeAutoDecay(ctx context.Context) error {
	v, err := s.getKV(ctx, kvLastDecayAt)
	if err != nil {
		return err
	}
	if v == "" {
		return s.setKV(ctx, kvLastDecayAt, fmtTime(time.Now()))
	}
	if time.Since(parseTime(v)) < autoDecayEvery {
		return nil
	}
	_, err = s.ApplyTimeDecay(ctx)
	return err
}

// Reinforce recovers a recalled memory's weight toward full and bumps its
// access tracking.
func (s *SQLiteStore) Reinforce(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET weight = min(?, weight + (? - weight) * ?),
		    access_count = access_count + 1,
		    last_accessed = ?
		WHERE id = ?`,
		model.InitialWeight, model.InitialWeight, reinforceRate, fmtTime(time.Now()), id)
	if err != nil {
		return mapSQLErr(err, "reinforce")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return icmerr.E(icmerr.NotFound, "memory not found: %s", id)
	}
	return nil
}

// Prune deletes every non-critical memory below the weight threshold. With
// dryRun it only counts.
func (s *SQLiteStore) Prune(ctx context.Context, threshold float64, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.rd.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memories WHERE weight < ? AND importance != ?`,
			threshold, string(model.ImportanceCritical)).Scan(&n)
		if err != nil {
			return 0, icmerr.Wrap(icmerr.StorageFailure, err, "count prunable")
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE weight < ? AND importance != ?`,
		threshold, string(model.ImportanceCritical))
	if err != nil {
		return 0, mapSQLErr(err, "prune")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Consolidate merges every memory of a topic into one synthesized memory:
// summaries concatenated in chronological order under a header, importance
// maxed, keywords unioned, weight reset to full. Originals are deleted in
// the same transaction unless keepOriginals is set.
func (s *SQLiteStore) Consolidate(ctx context.Context, topic string, keepOriginals bool) (*ConsolidateResult, error) {
	mems, err := s.ByTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	if len(mems) < 2 {
		return nil, icmerr.E(icmerr.AlreadyConsolidated,
			"topic %q has %d memories, nothing to consolidate", topic, len(mems))
	}

	// ByTopic returns newest first; the merged narrative reads oldest first.
	ordered := make([]model.Memory, len(mems))
	for i := range mems {
		ordered[len(mems)-1-i] = mems[i]
	}

	summary := fmt.Sprintf("Consolidated from %d memories of topic %q:\n", len(ordered), topic)
	importance := model.ImportanceLow
	var keywords []string
	seen := map[string]bool{}
	absorbed := make([]string, 0, len(ordered))

	for _, m := range ordered {
		summary += "- " + m.Summary + "\n"
		importance = model.MaxImportance(importance, m.Importance)
		for _, k := range m.Keywords {
			if !seen[k] {
				seen[k] = true
				keywords = append(keywords, k)
			}
		}
		absorbed = append(absorbed, m.ID)
	}

	merged := model.NewMemory(topic, summary, importance)
	merged.Keywords = keywords
	merged.RelatedIDs = absorbed

	keywordsJSON, _ := json.Marshal(nonNil(merged.Keywords))
	relatedJSON, _ := json.Marshal(nonNil(merged.RelatedIDs))
	sourceJSON, _ := json.Marshal(merged.Source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "begin consolidate")
	}
	defer tx.Rollback()

	if !keepOriginals {
		for _, id := range absorbed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
				return nil, mapSQLErr(err, "remove absorbed memory")
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, created_at, last_accessed, access_count, weight,
			topic, summary, raw_excerpt, keywords, importance, source, related_ids, embedding)
		VALUES (?, ?, ?, 0, ?, ?, ?, NULL, ?, ?, ?, ?, NULL)`,
		merged.ID, fmtTime(merged.CreatedAt), fmtTime(merged.LastAccessed), merged.Weight,
		merged.Topic, merged.Summary, string(keywordsJSON), string(merged.Importance),
		string(sourceJSON), string(relatedJSON)); err != nil {
		return nil, mapSQLErr(err, "insert consolidated memory")
	}

	if err := tx.Commit(); err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "commit consolidate")
	}

	return &ConsolidateResult{NewID: merged.ID, AbsorbedCount: len(absorbed)}, nil
}

func clampWeight(w float64) float64 {
	return math.Min(model.InitialWeight, math.Max(0, w))
}
