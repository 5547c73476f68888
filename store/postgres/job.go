package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// Enqueue persists a new job in queued state.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drover_jobs (
			id, name, args, state, tags, attempts, max_attempts,
			last_error, run_at, locked_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID.String(), j.Name, []byte(j.Args), string(j.State),
		tagsOrEmpty(j.Tags), j.Attempts, j.MaxAttempts,
		j.LastError, j.RunAt, j.LockedBy, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return drover.ErrJobAlreadyExists
		}
		return fmt.Errorf("drover/postgres: enqueue job: %w", err)
	}
	return nil
}

// Claim atomically claims the next eligible queued job. SELECT ... FOR
// UPDATE SKIP LOCKED inside the UPDATE is the claim primitive: concurrent
// claimers skip rows another transaction holds, so each job is won once.
// Tag filtering happens in SQL: a job is eligible when it has no tags or
// when the claimer's tag set covers all of the job's tags.
func (s *Store) Claim(ctx context.Context, opts job.ClaimOpts) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE drover_jobs
		SET state = 'running', attempts = attempts + 1,
		    locked_at = NOW(), locked_by = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM drover_jobs
			WHERE state = 'queued'
			  AND run_at <= NOW()
			  AND (cardinality(tags) = 0 OR tags <@ $2::text[])
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		opts.WorkerID.String(), tagsOrEmpty(opts.Tags),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("drover/postgres: claim job: %w", err)
	}
	return j, nil
}

// Complete marks a running job completed and releases its claim.
func (s *Store) Complete(ctx context.Context, jobID id.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs
		SET state = 'completed', locked_at = NULL, locked_by = '', updated_at = NOW()
		WHERE id = $1`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("drover/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

// Fail records a failed execution: back to queued with retryAt when set,
// terminally failed otherwise.
func (s *Store) Fail(ctx context.Context, jobID id.ID, lastError string, retryAt *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if retryAt != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE drover_jobs
			SET state = 'queued', last_error = $2, run_at = $3,
			    locked_at = NULL, locked_by = '', updated_at = NOW()
			WHERE id = $1`,
			jobID.String(), lastError, *retryAt,
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE drover_jobs
			SET state = 'failed', last_error = $2,
			    locked_at = NULL, locked_by = '', updated_at = NOW()
			WHERE id = $1`,
			jobID.String(), lastError,
		)
	}
	if err != nil {
		return fmt.Errorf("drover/postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

// Cancel transitions queued jobs with the given class name to cancelled.
func (s *Store) Cancel(ctx context.Context, name string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs SET state = 'cancelled', updated_at = NOW()
		WHERE name = $1 AND state = 'queued'`,
		name,
	)
	if err != nil {
		return 0, fmt.Errorf("drover/postgres: cancel jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Tidy deletes completed and cancelled jobs.
func (s *Store) Tidy(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM drover_jobs WHERE state IN ('completed', 'cancelled')`,
	)
	if err != nil {
		return 0, fmt.Errorf("drover/postgres: tidy jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge deletes jobs older than the given age regardless of state.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM drover_jobs WHERE created_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueStale returns running jobs with an expired claim to queued.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drover_jobs
		SET state = 'queued', run_at = NOW(),
		    locked_at = NULL, locked_by = '', updated_at = NOW()
		WHERE state = 'running' AND (locked_at IS NULL OR locked_at < $1)`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("drover/postgres: requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.ID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM drover_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, drover.ErrJobNotFound
		}
		return nil, fmt.Errorf("drover/postgres: get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM drover_jobs WHERE 1=1`
	var args []any
	if f.State != "" {
		args = append(args, string(f.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if f.Name != "" {
		args = append(args, f.Name)
		query += fmt.Sprintf(` AND name = $%d`, len(args))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		query += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("drover/postgres: list jobs: %w", err)
	}
	return jobs, nil
}

// Clear deletes every job.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM drover_jobs`); err != nil {
		return fmt.Errorf("drover/postgres: clear jobs: %w", err)
	}
	return nil
}
