package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a job update would violate the
// transition table (e.g. progressing a terminal job).
var ErrIllegalTransition = errors.New("store: illegal job transition")

// AppendJob records a newly submitted sandbox job.
func (s *Store) AppendJob(ctx context.Context, j *Job) error {
	if j.SubmittedAt == 0 {
		j.SubmittedAt = time.Now().UnixMilli()
	}
	if j.State == "" {
		j.State = JobQueued
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, file_sha256, filename, environment, state, progress,
		 reason, verdict_id, submitted_at, started_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.FileSHA256, j.Filename, j.Environment, string(j.State), j.Progress,
		j.Reason, j.VerdictID, j.SubmittedAt, j.StartedAt, j.CompletedAt)
	return err
}

// GetJob returns a job by ID, or nil.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, file_sha256, filename, environment, state, progress, reason,
		 verdict_id, submitted_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// TransitionJob moves a job from one state to another, guarded by the
// transition table and the current stored state. Terminal states are final.
// StartedAt/CompletedAt are stamped on entry to running / a terminal state.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to JobState, reason string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	now := time.Now().UnixMilli()

	var res sql.Result
	var err error
	switch {
	case to == JobRunning:
		res, err = s.DB.ExecContext(ctx,
			`UPDATE jobs SET state = ?, started_at = ?, reason = ? WHERE id = ? AND state = ?`,
			string(to), now, reason, id, string(from))
	case to.Terminal():
		res, err = s.DB.ExecContext(ctx,
			`UPDATE jobs SET state = ?, completed_at = ?, reason = ? WHERE id = ? AND state = ?`,
			string(to), now, reason, id, string(from))
	default:
		res, err = s.DB.ExecContext(ctx,
			`UPDATE jobs SET state = ?, reason = ? WHERE id = ? AND state = ?`,
			string(to), reason, id, string(from))
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not %s", ErrIllegalTransition, id, from)
	}
	return nil
}

// SetJobProgress advances the progress of a running job. Progress is
// monotonic: a lower value than the stored one is a no-op, and 100 is
// reserved for completion.
func (s *Store) SetJobProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ? AND state = 'running' AND progress < ?`,
		progress, id, progress)
	return err
}

// CompleteJob finalizes a successful run: running → completed, progress 100,
// verdict attached.
func (s *Store) CompleteJob(ctx context.Context, id, verdictID string) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET state = 'completed', progress = 100, verdict_id = ?, completed_at = ?
		 WHERE id = ? AND state = 'running'`,
		verdictID, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not running", ErrIllegalTransition, id)
	}
	return nil
}

// GetJobStats returns per-state job counts.
func (s *Store) GetJobStats(ctx context.Context) (*JobStats, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var st JobStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		st.Total += n
		switch JobState(state) {
		case JobQueued:
			st.Queued = n
		case JobRunning:
			st.Running = n
		case JobCompleted:
			st.Completed = n
		case JobFailed:
			st.Failed = n
		case JobCancelled:
			st.Cancelled = n
		}
	}
	return &st, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var started, completed sql.NullInt64
	err := scan(&j.ID, &j.FileSHA256, &j.Filename, &j.Environment, &j.State,
		&j.Progress, &j.Reason, &j.VerdictID, &j.SubmittedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		j.StartedAt = &started.Int64
	}
	if completed.Valid {
		j.CompletedAt = &completed.Int64
	}
	return &j, nil
}
