package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertFeed registers a new feed. Status defaults to active.
func (s *Store) InsertFeed(ctx context.Context, f *Feed) error {
	now := time.Now().UnixMilli()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	if f.UpdatedAt == 0 {
		f.UpdatedAt = now
	}
	if f.Status == "" {
		f.Status = FeedActive
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO feeds (id, name, url, format, interval_ms, auth_token, status,
		 last_update, record_count, error_count, fail_streak, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, f.URL, string(f.Format), f.Interval, f.AuthToken, string(f.Status),
		f.LastUpdate, f.RecordCount, f.ErrorCount, f.FailStreak, f.CreatedAt, f.UpdatedAt)
	return err
}

// GetFeed returns a feed by ID, or nil.
func (s *Store) GetFeed(ctx context.Context, id string) (*Feed, error) {
	row := s.DB.QueryRowContext(ctx, feedSelect+` WHERE id = ?`, id)
	f, err := scanFeed(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ListFeeds returns all feeds, newest first.
func (s *Store) ListFeeds(ctx context.Context) ([]*Feed, error) {
	rows, err := s.DB.QueryContext(ctx, feedSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		f, err := scanFeed(rows.Scan)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// SetFeedStatus flips a feed's lifecycle state. Used for operator toggles
// and the scheduler's error transitions.
func (s *Store) SetFeedStatus(ctx context.Context, id string, status FeedStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE feeds SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	return err
}

// RecordFeedSuccess updates counters after a successful fetch cycle:
// last_update moves forward, the fail streak resets, and record_count grows
// by the number of new (non-duplicate) records. A feed in error state
// returns to active.
func (s *Store) RecordFeedSuccess(ctx context.Context, id string, newRecords int64) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE feeds SET last_update = ?, record_count = record_count + ?,
		 fail_streak = 0, status = 'active', updated_at = ?
		 WHERE id = ? AND status != 'inactive'`,
		now, newRecords, now, id)
	return err
}

// RecordFeedFailure increments the cumulative error count and the
// consecutive-failure streak, returning the new streak. last_update is
// untouched; it only ever moves on success.
func (s *Store) RecordFeedFailure(ctx context.Context, id string) (int, error) {
	now := time.Now().UnixMilli()
	row := s.DB.QueryRowContext(ctx,
		`UPDATE feeds SET error_count = error_count + 1, fail_streak = fail_streak + 1,
		 updated_at = ?
		 WHERE id = ?
		 RETURNING fail_streak`, now, id)
	var streak int
	if err := row.Scan(&streak); err != nil {
		return 0, fmt.Errorf("record feed failure: %w", err)
	}
	return streak, nil
}

// ResetFeedErrors is the operator reset: error_count and fail_streak go back
// to zero. This is the only path on which error_count decreases.
func (s *Store) ResetFeedErrors(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE feeds SET error_count = 0, fail_streak = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// UpsertFeedIndicators writes a batch of parsed indicators for one feed and
// returns how many were new. Duplicates (same feed, value, type) only move
// last_seen forward.
func (s *Store) UpsertFeedIndicators(ctx context.Context, feedID string, batch []*FeedIndicator) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var inserted int64
	for _, fi := range batch {
		if fi.FirstSeen == 0 {
			fi.FirstSeen = now
		}
		fi.LastSeen = now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO feed_indicators
			 (id, feed_id, value, type, confidence, threat_level, description, tags_json, first_seen, last_seen)
			 VALUES (?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT (feed_id, value, type) DO NOTHING`,
			fi.ID, feedID, fi.Value, string(fi.Type), fi.Confidence, fi.ThreatLevel,
			fi.Description, marshalTags(fi.Tags), fi.FirstSeen, fi.LastSeen)
		if err != nil {
			return 0, fmt.Errorf("upsert feed indicator %q: %w", fi.Value, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
			continue
		}
		// Duplicate: only move last_seen forward.
		_, err = tx.ExecContext(ctx,
			`UPDATE feed_indicators SET last_seen = ? WHERE feed_id = ? AND value = ? AND type = ?`,
			fi.LastSeen, feedID, fi.Value, string(fi.Type))
		if err != nil {
			return 0, fmt.Errorf("touch feed indicator %q: %w", fi.Value, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// SearchFeedIndicators looks a value up across all ingested feeds.
// Type is optional; empty matches any.
func (s *Store) SearchFeedIndicators(ctx context.Context, value string, t string) ([]*FeedIndicator, error) {
	q := `SELECT id, feed_id, value, type, confidence, threat_level, description, tags_json, first_seen, last_seen
	      FROM feed_indicators WHERE value = ?`
	args := []any{value}
	if t != "" {
		q += ` AND type = ?`
		args = append(args, t)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FeedIndicator
	for rows.Next() {
		var fi FeedIndicator
		var tags string
		if err := rows.Scan(&fi.ID, &fi.FeedID, &fi.Value, &fi.Type, &fi.Confidence,
			&fi.ThreatLevel, &fi.Description, &tags, &fi.FirstSeen, &fi.LastSeen); err != nil {
			return nil, fmt.Errorf("scan feed indicator: %w", err)
		}
		fi.Tags = unmarshalTags(tags)
		out = append(out, &fi)
	}
	return out, rows.Err()
}

// GetFeedStats returns aggregate counters for the feed subsystem.
func (s *Store) GetFeedStats(ctx context.Context) (*FeedStats, error) {
	st := &FeedStats{IndicatorsByType: map[string]int{}}

	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM feeds`).Scan(&st.TotalFeeds); err != nil {
		return nil, err
	}
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feeds WHERE status = 'active'`).Scan(&st.ActiveFeeds); err != nil {
		return nil, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed_indicators`).Scan(&st.TotalIndicators); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM feed_indicators GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		st.IndicatorsByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(last_update) FROM feeds`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		st.LastUpdate = &last.Int64
	}
	return st, nil
}

const feedSelect = `SELECT id, name, url, format, interval_ms, auth_token, status,
 last_update, record_count, error_count, fail_streak, created_at, updated_at FROM feeds`

func scanFeed(scan func(...any) error) (*Feed, error) {
	var f Feed
	var last sql.NullInt64
	err := scan(&f.ID, &f.Name, &f.URL, &f.Format, &f.Interval, &f.AuthToken, &f.Status,
		&last, &f.RecordCount, &f.ErrorCount, &f.FailStreak, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		f.LastUpdate = &last.Int64
	}
	return &f, nil
}
