package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// jobColumns is the canonical column list used by every SELECT and
// RETURNING clause.
const jobColumns = `id, name, args, state, tags, attempts, max_attempts,
	last_error, run_at, locked_at, locked_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		jID      string
		args     []byte
		state    string
		lockedAt *time.Time
		j        job.Job
	)

	err := row.Scan(
		&jID, &j.Name, &args, &state, &j.Tags, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.RunAt, &lockedAt, &j.LockedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.Parse(jID)
	if err != nil {
		return nil, err
	}
	j.Args = json.RawMessage(args)
	j.State = job.State(state)
	j.LockedAt = lockedAt
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
