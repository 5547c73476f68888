package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":           j.ID.String(),
		"name":         j.Name,
		"args":         string(j.Args),
		"state":        string(j.State),
		"tags":         marshalStrings(j.Tags),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"last_error":   j.LastError,
		"locked_by":    j.LockedBy,
		"run_at":       j.RunAt.UTC().Format(time.RFC3339Nano),
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.LockedAt != nil {
		m["locked_at"] = j.LockedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("drover/redis: parse job id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:          jID,
		Name:        m["name"],
		Args:        json.RawMessage(m["args"]),
		State:       job.State(m["state"]),
		Tags:        unmarshalStrings(m["tags"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		LockedBy:    m["locked_by"],
		RunAt:       runAt,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}

	if v := m["locked_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.LockedAt = &t
	}

	return j, nil
}

// marshalStrings encodes a string slice as a JSON array.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v) //nolint:errcheck // marshal of []string cannot fail
	return string(b)
}

// unmarshalStrings parses a JSON array of strings.
func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" || s == "null" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// zscore converts a time to the sorted-set score (unix milliseconds).
func zscore(t time.Time) float64 {
	return float64(t.UnixMilli())
}
