package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendVerdict records a new verdict. History is append-only; callers
// never update an existing verdict row.
func (s *Store) AppendVerdict(ctx context.Context, v *Verdict) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if v.Evidence == nil {
		evidence = []byte("[]")
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO verdicts (id, indicator_id, label, confidence, threat, evidence_json, tags_json, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.IndicatorID, string(v.Label), v.Confidence, v.Threat,
		string(evidence), marshalTags(v.Tags), v.CreatedAt)
	return err
}

// LatestVerdict returns the most recent verdict for an indicator, or nil.
// "latest per indicator" is a derived view over the append-only history.
func (s *Store) LatestVerdict(ctx context.Context, indicatorID string) (*Verdict, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, indicator_id, label, confidence, threat, evidence_json, tags_json, created_at
		 FROM verdicts WHERE indicator_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, indicatorID)
	return scanVerdict(row)
}

// VerdictHistory returns all verdicts for an indicator, newest first.
func (s *Store) VerdictHistory(ctx context.Context, indicatorID string, limit int) ([]*Verdict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, indicator_id, label, confidence, threat, evidence_json, tags_json, created_at
		 FROM verdicts WHERE indicator_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, indicatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []*Verdict
	for rows.Next() {
		var v Verdict
		var evidence, tags string
		if err := rows.Scan(&v.ID, &v.IndicatorID, &v.Label, &v.Confidence, &v.Threat,
			&evidence, &tags, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &v.Evidence); err != nil {
			v.Evidence = nil
		}
		v.Tags = unmarshalTags(tags)
		verdicts = append(verdicts, &v)
	}
	return verdicts, rows.Err()
}

// GetVerdict returns one verdict by ID, or nil.
func (s *Store) GetVerdict(ctx context.Context, id string) (*Verdict, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, indicator_id, label, confidence, threat, evidence_json, tags_json, created_at
		 FROM verdicts WHERE id = ?`, id)
	return scanVerdict(row)
}

func scanVerdict(row *sql.Row) (*Verdict, error) {
	var v Verdict
	var evidence, tags string
	err := row.Scan(&v.ID, &v.IndicatorID, &v.Label, &v.Confidence, &v.Threat,
		&evidence, &tags, &v.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan verdict: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &v.Evidence); err != nil {
		v.Evidence = nil
	}
	v.Tags = unmarshalTags(tags)
	return &v, nil
}
