package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// claimWindow bounds how many due candidates one claim attempt inspects.
const claimWindow = 16

// claimByScore removes a member from a sorted set only while its score is
// still at or below the cutoff. A plain ZREM would also win a member whose
// retry pushed run_at into the future between the range read and the
// removal, running the retry before its backoff elapsed.
var claimByScore = goredis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return 0
end
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

// Enqueue stores the job as a Hash and adds it to the queued Sorted Set.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return drover.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: zscore(j.RunAt), Member: jID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drover/redis: enqueue job: %w", err)
	}
	return nil
}

// Claim atomically claims the next eligible queued job. Score-checked
// removal from the queued set is the claim primitive: Redis executes
// scripts serially, so only one claimer removes a given member, and a
// member rescheduled past the cutoff since the range read is left alone.
// Tags are checked before the removal; a losing removal just moves on to
// the next candidate.
func (s *Store) Claim(ctx context.Context, opts job.ClaimOpts) (*job.Job, error) {
	now := time.Now().UTC()
	cutoff := strconv.FormatFloat(zscore(now), 'f', -1, 64)

	ids, err := s.client.ZRangeByScore(ctx, queuedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   cutoff,
		Count: claimWindow,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: claim zrangebyscore: %w", err)
	}

	for _, jID := range ids {
		tags, err := s.client.HGet(ctx, jobKey(jID), "tags").Result()
		if err != nil && err != goredis.Nil {
			return nil, fmt.Errorf("drover/redis: claim get tags: %w", err)
		}
		if !job.TagsMatch(unmarshalStrings(tags), opts.Tags) {
			continue
		}

		removed, err := claimByScore.Run(ctx, s.client, []string{queuedKey}, jID, cutoff).Int()
		if err != nil {
			return nil, fmt.Errorf("drover/redis: claim zrem: %w", err)
		}
		if removed == 0 {
			// Lost the race or the member was rescheduled; next candidate.
			continue
		}

		nowStr := now.Format(time.RFC3339Nano)
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateRunning),
			"locked_at", nowStr,
			"locked_by", opts.WorkerID.String(),
			"updated_at", nowStr,
		)
		pipe.HIncrBy(ctx, jobKey(jID), "attempts", 1)
		pipe.ZAdd(ctx, runningKey, goredis.Z{Score: zscore(now), Member: jID})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("drover/redis: claim update: %w", err)
		}

		return s.getJobByKey(ctx, jobKey(jID))
	}
	return nil, nil
}

// Complete marks a running job completed and releases its claim.
func (s *Store) Complete(ctx context.Context, jobID id.ID) error {
	jID := jobID.String()
	if err := s.requireExists(ctx, jID); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID),
		"state", string(job.StateCompleted),
		"locked_at", "",
		"locked_by", "",
		"updated_at", now,
	)
	pipe.ZRem(ctx, runningKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drover/redis: complete job: %w", err)
	}
	return nil
}

// Fail records a failed execution: back onto the queued set with retryAt
// when set, onto the dead set otherwise.
func (s *Store) Fail(ctx context.Context, jobID id.ID, lastError string, retryAt *time.Time) error {
	jID := jobID.String()
	if err := s.requireExists(ctx, jID); err != nil {
		return err
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, runningKey, jID)
	if retryAt != nil {
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateQueued),
			"last_error", lastError,
			"run_at", retryAt.UTC().Format(time.RFC3339Nano),
			"locked_at", "",
			"locked_by", "",
			"updated_at", nowStr,
		)
		pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: zscore(*retryAt), Member: jID})
	} else {
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateFailed),
			"last_error", lastError,
			"locked_at", "",
			"locked_by", "",
			"updated_at", nowStr,
		)
		pipe.ZAdd(ctx, deadKey, goredis.Z{Score: zscore(now), Member: jID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drover/redis: fail job: %w", err)
	}
	return nil
}

// Cancel transitions queued jobs with the given class name to cancelled.
func (s *Store) Cancel(ctx context.Context, name string) (int64, error) {
	ids, err := s.client.ZRange(ctx, queuedKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("drover/redis: cancel zrange: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var n int64
	for _, jID := range ids {
		got, err := s.client.HGet(ctx, jobKey(jID), "name").Result()
		if err != nil && err != goredis.Nil {
			return n, fmt.Errorf("drover/redis: cancel get name: %w", err)
		}
		if err == goredis.Nil || got != name {
			continue
		}

		// ZRem first so a concurrent claimer cannot win the same job.
		removed, err := s.client.ZRem(ctx, queuedKey, jID).Result()
		if err != nil {
			return n, fmt.Errorf("drover/redis: cancel zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := s.client.HSet(ctx, jobKey(jID),
			"state", string(job.StateCancelled),
			"updated_at", now,
		).Err(); err != nil {
			return n, fmt.Errorf("drover/redis: cancel update: %w", err)
		}
		n++
	}
	return n, nil
}

// Tidy deletes completed and cancelled jobs.
func (s *Store) Tidy(ctx context.Context) (int64, error) {
	return s.deleteWhere(ctx, func(j *job.Job) bool {
		return j.State == job.StateCompleted || j.State == job.StateCancelled
	})
}

// Purge deletes jobs older than the given age regardless of state.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.deleteWhere(ctx, func(j *job.Job) bool {
		return j.CreatedAt.Before(cutoff)
	})
}

// RequeueStale returns running jobs with an expired claim to the queued
// set. The running set is scored by locked_at, so a range query up to the
// cutoff finds every expired claim.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	ids, err := s.client.ZRangeByScore(ctx, runningKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(zscore(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("drover/redis: requeue stale zrangebyscore: %w", err)
	}

	nowStr := now.Format(time.RFC3339Nano)
	var n int64
	for _, jID := range ids {
		removed, err := s.client.ZRem(ctx, runningKey, jID).Result()
		if err != nil {
			return n, fmt.Errorf("drover/redis: requeue stale zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateQueued),
			"run_at", nowStr,
			"locked_at", "",
			"locked_by", "",
			"updated_at", nowStr,
		)
		pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: zscore(now), Member: jID})
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("drover/redis: requeue stale update: %w", err)
		}
		n++
	}
	return n, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.ID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// List returns jobs matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: list smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip concurrently deleted jobs
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Name != "" && j.Name != f.Name {
			continue
		}
		if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// Clear deletes every job and index key.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: clear smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, jID := range ids {
		pipe.Del(ctx, jobKey(jID))
	}
	pipe.Del(ctx, jobIDsKey, queuedKey, runningKey, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drover/redis: clear: %w", err)
	}
	return nil
}

// ── helpers ──

func (s *Store) requireExists(ctx context.Context, jID string) error {
	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("drover/redis: check exists: %w", err)
	}
	if exists == 0 {
		return drover.ErrJobNotFound
	}
	return nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("drover/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, drover.ErrJobNotFound
	}
	return mapToJob(vals)
}

func (s *Store) deleteWhere(ctx context.Context, match func(*job.Job) bool) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("drover/redis: delete smembers: %w", err)
	}

	var n int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !match(j) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, queuedKey, jID)
		pipe.ZRem(ctx, runningKey, jID)
		pipe.ZRem(ctx, deadKey, jID)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("drover/redis: delete job: %w", err)
		}
		n++
	}
	return n, nil
}
