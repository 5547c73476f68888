package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// Times are stored as fixed-width UTC text so lexicographic SQL
// comparisons (run_at <= ?, locked_at < ?) agree with time ordering.
// RFC3339Nano trims trailing fractional zeros, which breaks that
// property for whole-second values ('Z' sorts above '.').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("drover/sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags) //nolint:errcheck // marshal of []string cannot fail
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(s), &tags) //nolint:errcheck // best-effort parse of data we wrote
	return tags
}

// jobColumns is the canonical column list used by every SELECT.
const jobColumns = `id, name, args, state, tags, attempts, max_attempts,
	last_error, run_at, locked_at, locked_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		jID       string
		args      string
		state     string
		tags      string
		runAt     string
		lockedAt  sql.NullString
		createdAt string
		updatedAt string
		j         job.Job
	)

	err := row.Scan(
		&jID, &j.Name, &args, &state, &tags, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &runAt, &lockedAt, &j.LockedBy, &createdAt, &updatedAt,
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
	j.Tags = unmarshalTags(tags)

	if j.RunAt, err = parseTime(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lockedAt.Valid && lockedAt.String != "" {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, err
		}
		j.LockedAt = &t
	}
	return &j, nil
}
