package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const jobCols = `id, dedup_key, tenant_id, kind, payload, state, run_at, attempts, max_attempts,
	backoff_ms, last_error, locked_by, locked_at, created_at, updated_at, finished_at`

func scanJob(r rowScanner) (Job, error) {
	var (
		j                                           Job
		payload, state                              string
		runAt, lockedAt, created, upd, fin, backoff int64
	)
	err := r.Scan(&j.ID, &j.DedupKey, &j.TenantID, &j.Kind, &payload, &state, &runAt, &j.Attempts,
		&j.MaxAttempts, &backoff, &j.LastError, &j.LockedBy, &lockedAt, &created, &upd, &fin)
	if err != nil {
		return Job{}, err
	}
	j.Payload = []byte(payload)
	j.State = JobState(state)
	j.RunAt = fromMS(runAt)
	j.BackoffBase = time.Duration(backoff) * time.Millisecond
	j.LockedAt = fromMS(lockedAt)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(upd)
	j.FinishedAt = fromMS(fin)
	return j, nil
}

func (s *sqliteStore) InsertJob(ctx context.Context, j Job) (bool, error) {
	if strings.TrimSpace(j.DedupKey) == "" {
		return false, errors.New("job dedup key is required")
	}
	if j.ID == "" {
		j.ID = newID()
	}
	if j.State == "" {
		j.State = JobPending
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, dedup_key, tenant_id, kind, payload, state, run_at, attempts, max_attempts,
			backoff_ms, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		j.ID, j.DedupKey, j.TenantID, j.Kind, string(j.Payload), string(j.State), toMS(j.RunAt), j.Attempts,
		j.MaxAttempts, j.BackoffBase.Milliseconds(), toMS(j.CreatedAt), toMS(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (Job, bool, error) {
	// Single statement: the subquery pick and the state flip cannot interleave
	// with another claimer.
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs WHERE state = ? AND run_at <= ?
			ORDER BY run_at, created_at, id LIMIT 1
		 ) AND state = ?
		 RETURNING `+jobCols,
		string(JobActive), workerID, toMS(now), toMS(now), string(JobPending), toMS(now), string(JobPending))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateChanged
	}
	return nil
}

func (s *sqliteStore) CompleteJob(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?, finished_at = ?, locked_by = '', last_error = ''
		 WHERE id = ? AND state = ?`,
		string(JobCompleted), toMS(at), toMS(at), id, string(JobActive))
}

func (s *sqliteStore) RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string, at time.Time) error {
	return s.transition(ctx,
		`UPDATE jobs SET state = ?, run_at = ?, last_error = ?, locked_by = '', locked_at = 0, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(JobPending), toMS(runAt), lastErr, toMS(at), id, string(JobActive))
}

func (s *sqliteStore) FailJob(ctx context.Context, id string, lastErr string, at time.Time) error {
	return s.transition(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, locked_by = '', updated_at = ?, finished_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		string(JobFailed), lastErr, toMS(at), toMS(at), id, string(JobActive), string(JobPending))
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, notFound(err, "job "+id)
	}
	return j, nil
}

func (s *sqliteStore) FindLiveJob(ctx context.Context, tenantID, dedupKey string) (Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = ? AND dedup_key = ? AND state IN (?, ?)`,
		tenantID, dedupKey, string(JobPending), string(JobActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + jobCols + ` FROM jobs WHERE 1 = 1`)
	var args []any
	if f.TenantID != "" {
		b.WriteString(` AND tenant_id = ?`)
		args = append(args, f.TenantID)
	}
	if f.State != "" {
		b.WriteString(` AND state = ?`)
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		b.WriteString(` AND kind = ?`)
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	b.WriteString(` ORDER BY run_at, created_at, id LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountJobs(ctx context.Context, tenantID string) (map[JobState]int, error) {
	query, args := `SELECT state, COUNT(*) FROM jobs GROUP BY state`, []any(nil)
	if tenantID != "" {
		query, args = `SELECT state, COUNT(*) FROM jobs WHERE tenant_id = ? GROUP BY state`, []any{tenantID}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[JobState]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[JobState(state)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) RenewLease(ctx context.Context, id, workerID string, at time.Time) error {
	return s.transition(ctx,
		`UPDATE jobs SET locked_at = ?, updated_at = ? WHERE id = ? AND state = ? AND locked_by = ?`,
		toMS(at), toMS(at), id, string(JobActive), workerID)
}

func (s *sqliteStore) RequeueExpired(ctx context.Context, lockedBefore, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, locked_by = '', locked_at = 0, updated_at = ?,
			last_error = 'lease expired'
		 WHERE state = ? AND locked_at < ?`,
		string(JobPending), toMS(at), string(JobActive), toMS(lockedBefore))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PurgeJobs(ctx context.Context, finishedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?) AND finished_at < ?`,
		string(JobCompleted), string(JobFailed), toMS(finishedBefore))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
