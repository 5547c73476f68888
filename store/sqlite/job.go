package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// claimWindow bounds how many due candidates one claim attempt inspects.
// Candidates lost to another claimer or filtered out by tags are skipped
// within the same call.
const claimWindow = 16

// Enqueue persists a new job in queued state.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drover_jobs (
			id, name, args, state, tags, attempts, max_attempts,
			last_error, run_at, locked_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Name, string(j.Args), string(j.State),
		marshalTags(j.Tags), j.Attempts, j.MaxAttempts,
		j.LastError, fmtTime(j.RunAt), j.LockedBy,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return drover.ErrJobAlreadyExists
		}
		return fmt.Errorf("drover/sqlite: enqueue job: %w", err)
	}
	return nil
}

// Claim atomically claims the next eligible queued job via optimistic
// compare-and-swap: the conditional UPDATE only wins while the row is
// still queued and still due, so exactly one claimer succeeds per job
// and a candidate rescheduled into the future between the select and the
// update is not run early.
func (s *Store) Claim(ctx context.Context, opts job.ClaimOpts) (*job.Job, error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tags FROM drover_jobs
		WHERE state = ? AND run_at <= ?
		ORDER BY run_at ASC
		LIMIT ?`,
		string(job.StateQueued), fmtTime(now), claimWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: claim select: %w", err)
	}

	type candidate struct {
		id   string
		tags string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.tags); err != nil {
			rows.Close()
			return nil, fmt.Errorf("drover/sqlite: claim scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: claim rows: %w", err)
	}

	for _, c := range candidates {
		if !job.TagsMatch(unmarshalTags(c.tags), opts.Tags) {
			continue
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE drover_jobs
			SET state = ?, attempts = attempts + 1,
			    locked_at = ?, locked_by = ?, updated_at = ?
			WHERE id = ? AND state = ? AND run_at <= ?`,
			string(job.StateRunning), fmtTime(now), opts.WorkerID.String(),
			fmtTime(now), c.id, string(job.StateQueued), fmtTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: claim rows affected: %w", err)
		}
		if affected == 0 {
			// Lost the race or the row was rescheduled; next candidate.
			continue
		}

		jobID, err := id.Parse(c.id)
		if err != nil {
			return nil, err
		}
		return s.Get(ctx, jobID)
	}
	return nil, nil
}

// Complete marks a running job completed and releases its claim.
func (s *Store) Complete(ctx context.Context, jobID id.ID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs
		SET state = ?, locked_at = NULL, locked_by = '', updated_at = ?
		WHERE id = ?`,
		string(job.StateCompleted), fmtTime(time.Now()), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/sqlite: complete job: %w", err)
	}
	return requireAffected(res)
}

// Fail records a failed execution: back to queued with retryAt when set,
// terminally failed otherwise.
func (s *Store) Fail(ctx context.Context, jobID id.ID, lastError string, retryAt *time.Time) error {
	now := time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if retryAt != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE drover_jobs
			SET state = ?, last_error = ?, run_at = ?,
			    locked_at = NULL, locked_by = '', updated_at = ?
			WHERE id = ?`,
			string(job.StateQueued), lastError, fmtTime(*retryAt),
			fmtTime(now), jobID.String(),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE drover_jobs
			SET state = ?, last_error = ?,
			    locked_at = NULL, locked_by = '', updated_at = ?
			WHERE id = ?`,
			string(job.StateFailed), lastError, fmtTime(now), jobID.String(),
		)
	}
	if err != nil {
		return fmt.Errorf("drover/sqlite: fail job: %w", err)
	}
	return requireAffected(res)
}

// Cancel transitions queued jobs with the given class name to cancelled.
func (s *Store) Cancel(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs SET state = ?, updated_at = ?
		WHERE name = ? AND state = ?`,
		string(job.StateCancelled), fmtTime(time.Now()),
		name, string(job.StateQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: cancel jobs: %w", err)
	}
	return res.RowsAffected()
}

// Tidy deletes completed and cancelled jobs.
func (s *Store) Tidy(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM drover_jobs WHERE state IN (?, ?)`,
		string(job.StateCompleted), string(job.StateCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: tidy jobs: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes jobs older than the given age regardless of state.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM drover_jobs WHERE created_at < ?`,
		fmtTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueStale returns running jobs with an expired claim to queued.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE drover_jobs
		SET state = ?, run_at = ?, locked_at = NULL, locked_by = '', updated_at = ?
		WHERE state = ? AND (locked_at IS NULL OR locked_at < ?)`,
		string(job.StateQueued), fmtTime(now), fmtTime(now),
		string(job.StateRunning), fmtTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/sqlite: requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.ID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM drover_jobs WHERE id = ?`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, drover.ErrJobNotFound
		}
		return nil, fmt.Errorf("drover/sqlite: get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM drover_jobs WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Name != "" {
		query += ` AND name = ?`
		args = append(args, f.Name)
	}
	if !f.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, fmtTime(f.CreatedBefore))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drover/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("drover/sqlite: list scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drover/sqlite: list rows: %w", err)
	}
	return jobs, nil
}

// Clear deletes every job.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drover_jobs`); err != nil {
		return fmt.Errorf("drover/sqlite: clear jobs: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("drover/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

// isDuplicateKey checks for a sqlite UNIQUE violation. go-sqlite3 reports
// these via the error string, which avoids importing the driver's cgo
// error types here.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY must be unique")
}
