package job

import (
	"context"
	"time"

	"github.com/drover-io/drover/id"
)

// ClaimOpts controls the atomic claim performed by a worker slot.
type ClaimOpts struct {
	// WorkerID identifies the claiming process; recorded as LockedBy.
	WorkerID id.ID

	// Tags is the set of tags this process supports. Untagged jobs are
	// always claimable; a tagged job is claimable only if every one of
	// its tags appears here.
	Tags []string

	// LockFor is the lease length recorded with the claim. A claim older
	// than this without completion is considered abandoned.
	LockFor time.Duration
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	// State filters by job state.
	State State
	// Name filters by class name.
	Name string
	// CreatedBefore matches jobs created strictly before the given time.
	CreatedBefore time.Time
}

// Store is the Backend Driver contract: storage- and transport-specific
// persistence of jobs plus the atomic claim/complete/fail primitives the
// dispatch loop relies on. All mutation of persisted jobs goes through a
// Store; workers only ever see their own deserialized args.
type Store interface {
	// Enqueue persists a new job in queued state.
	Enqueue(ctx context.Context, j *Job) error

	// Claim atomically claims the next eligible queued job: state becomes
	// running, Attempts is incremented, and LockedAt/LockedBy are set.
	// At most one claimer observes any given job. Returns (nil, nil) when
	// nothing is ready.
	Claim(ctx context.Context, opts ClaimOpts) (*Job, error)

	// Complete marks a running job completed and releases its claim.
	Complete(ctx context.Context, jobID id.ID) error

	// Fail records a failed execution. With a non-nil retryAt the job
	// returns to queued with RunAt = retryAt; otherwise it is terminally
	// failed. LastError is retained either way.
	Fail(ctx context.Context, jobID id.ID, lastError string, retryAt *time.Time) error

	// Cancel transitions every queued job with the given class name to
	// cancelled and reports how many were affected. Running jobs are not
	// interrupted.
	Cancel(ctx context.Context, name string) (int64, error)

	// Tidy deletes completed and cancelled jobs, leaving failed and
	// in-flight jobs untouched. Reports how many were deleted.
	Tidy(ctx context.Context) (int64, error)

	// Purge deletes jobs older than the given age regardless of state.
	// A blunt retention tool; use with care.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)

	// RequeueStale returns running jobs whose claim is older than the
	// given lease back to queued. This is the crash-recovery path.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID id.ID) (*Job, error)

	// List returns jobs matching the filter, oldest first.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Clear deletes every job. Backs the dangerously_flush setting;
	// never invoked by default.
	Clear(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Migrate prepares backend schema/structures.
	Migrate(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// TagsMatch reports whether a job carrying jobTags may be claimed by a
// process supporting claimTags: untagged jobs match everyone, tagged jobs
// require full coverage.
func TagsMatch(jobTags, claimTags []string) bool {
	if len(jobTags) == 0 {
		return true
	}
	supported := make(map[string]struct{}, len(claimTags))
	for _, t := range claimTags {
		supported[t] = struct{}{}
	}
	for _, t := range jobTags {
		if _, ok := supported[t]; !ok {
			return false
		}
	}
	return true
}
