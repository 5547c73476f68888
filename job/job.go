package job

import (
	"encoding/json"
	"time"

	"github.com/drover-io/drover/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be claimed by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker holds a claim and is executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retry budget (or could not
	// be dispatched at all) and will not run again.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before it was claimed.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are expected from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job represents one unit of background work.
type Job struct {
	ID   id.ID  `json:"id"`
	Name string `json:"name"`

	// Args is the serialized argument payload. The engine treats it as
	// opaque bytes; only the registered worker deserializes it.
	Args json.RawMessage `json:"args"`

	State State `json:"state"`

	// Tags allow a worker process to claim only a subset of jobs.
	// An untagged job is claimable by every process; a tagged job only by
	// processes whose tag set covers all of the job's tags.
	Tags []string `json:"tags,omitempty"`

	// Attempts counts claims so far; incremented by Store.Claim.
	Attempts int `json:"attempts"`
	// MaxAttempts is the retry budget: total executions allowed before
	// the job is marked failed.
	MaxAttempts int `json:"max_attempts"`

	// LastError holds the most recent failure message. It survives
	// retries so operators can inspect flaky jobs.
	LastError string `json:"last_error,omitempty"`

	// RunAt is the earliest eligible execution time.
	RunAt time.Time `json:"run_at"`

	// LockedAt and LockedBy mark a live claim on durable backends.
	LockedAt *time.Time `json:"locked_at,omitempty"`
	LockedBy string     `json:"locked_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New constructs a queued job with the given class name and serialized
// args, applying defaults and then the supplied options.
func New(name string, args json.RawMessage, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now().UTC()
	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	return &Job{
		ID:          id.NewJobID(),
		Name:        name,
		Args:        args,
		State:       StateQueued,
		Tags:        o.Tags,
		MaxAttempts: o.MaxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
