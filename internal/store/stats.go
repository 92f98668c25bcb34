package store

import (
	"context"
	"database/sql"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

// Stats summarizes the episodic store.
func (s *SQLiteStore) Stats(ctx context.Context) (*model.StoreStats, error) {
	st := &model.StoreStats{}

	err := s.rd.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT topic), COALESCE(AVG(weight), 0)
		FROM memories`).Scan(&st.TotalMemories, &st.TotalTopics, &st.AvgWeight)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "store stats")
	}

	var oldest, newest sql.NullString
	err = s.rd.QueryRowContext(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM memories`).Scan(&oldest, &newest)
	if err != nil {
		return nil, icmerr.Wrap(icmerr.StorageFailure, err, "store stats range")
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		st.Oldest = &t
	}
	if newest.Valid {
		t := parseTime(newest.String)
		st.Newest = &t
	}
	return st, nil
}
