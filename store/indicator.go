package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chimerasec/chimera/ioc"
)

// GetIndicator returns the indicator for a normalized value+type, or nil.
func (s *Store) GetIndicator(ctx context.Context, value string, t ioc.Type) (*Indicator, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, value, type, created_at FROM indicators WHERE value = ? AND type = ?`,
		value, string(t))
	var ind Indicator
	if err := row.Scan(&ind.ID, &ind.Value, &ind.Type, &ind.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan indicator: %w", err)
	}
	return &ind, nil
}

// PutIndicator upserts an indicator keyed by normalized value+type and
// returns the stored row. Re-submission of the same value reuses the
// existing identity; the classified type and creation time never change.
func (s *Store) PutIndicator(ctx context.Context, ind *Indicator) (*Indicator, error) {
	if ind.CreatedAt == 0 {
		ind.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO indicators (id, value, type, created_at) VALUES (?,?,?,?)
		 ON CONFLICT (value, type) DO NOTHING`,
		ind.ID, ind.Value, string(ind.Type), ind.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("put indicator: %w", err)
	}
	return s.GetIndicator(ctx, ind.Value, ind.Type)
}

// AppendSourceResult records one provider consultation. Results are
// immutable once written.
func (s *Store) AppendSourceResult(ctx context.Context, r *SourceResult) error {
	if r.FetchedAt == 0 {
		r.FetchedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO source_results
		 (id, indicator_id, source, score, weight, outcome, detail, tags_json, raw_json, fetched_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.IndicatorID, r.Source, r.Score, r.Weight, string(r.Outcome),
		r.Detail, marshalTags(r.Tags), r.RawJSON, r.FetchedAt)
	return err
}

// SourceResults returns every recorded consultation for an indicator,
// newest first.
func (s *Store) SourceResults(ctx context.Context, indicatorID string) ([]*SourceResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, indicator_id, source, score, weight, outcome, detail, tags_json, raw_json, fetched_at
		 FROM source_results WHERE indicator_id = ? ORDER BY fetched_at DESC`, indicatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SourceResult
	for rows.Next() {
		var r SourceResult
		var tags string
		if err := rows.Scan(&r.ID, &r.IndicatorID, &r.Source, &r.Score, &r.Weight,
			&r.Outcome, &r.Detail, &tags, &r.RawJSON, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan source result: %w", err)
		}
		r.Tags = unmarshalTags(tags)
		results = append(results, &r)
	}
	return results, rows.Err()
}
