package job

import "time"

// Options configures per-job behavior such as retries, tags, and delay.
type Options struct {
	// MaxAttempts is the total number of executions allowed before the
	// job is marked failed.
	MaxAttempts int

	// Tags restrict which worker processes may claim the job.
	Tags []string

	// RunAt schedules the job for future execution. Zero means now.
	// RunAt is a lower bound, not a guarantee of timely execution.
	RunAt time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3}
}

// Option is a functional option applied at definition or enqueue time.
type Option func(*Options)

// WithMaxAttempts sets the retry budget (total executions).
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithTags sets the job's tags.
func WithTags(tags ...string) Option {
	return func(o *Options) { o.Tags = tags }
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithDelay schedules the job for execution after the given delay.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.RunAt = time.Now().UTC().Add(d) }
}
