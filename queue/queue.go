// Package queue is the engine facade. It wires a Backend Driver, the
// worker registry, and the execution pool together according to the
// configured mode, and exposes the producer API: Register, Enqueue,
// Start, Stop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/middleware"
	"github.com/drover-io/drover/worker"
)

// foregroundPoll is how often the ForegroundBlocking drain loop re-checks
// the store while waiting out a retry delay.
const foregroundPoll = 10 * time.Millisecond

// Queue is the engine facade. Construct with New, register workers, then
// Start. Safe for concurrent producers.
type Queue struct {
	cfg      *drover.Config
	store    job.Store
	registry *job.Registry
	executor *worker.Executor
	pool     *worker.Pool
	backoff  backoff.Strategy
	mws      []middleware.Middleware
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// Option configures the Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithMiddleware appends execution middleware. Recover and Logging are
// always installed first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(q *Queue) { q.mws = append(q.mws, mws...) }
}

// WithStore overrides the configured Backend Driver. Intended for tests
// and for callers that manage the backend connection themselves.
func WithStore(s job.Store) Option {
	return func(q *Queue) { q.store = s }
}

// New validates the configuration, opens the Backend Driver it selects,
// runs migrations, and optionally flushes persisted jobs.
func New(ctx context.Context, cfg *drover.Config, opts ...Option) (*Queue, error) {
	if cfg == nil {
		cfg = drover.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:      cfg,
		registry: job.NewRegistry(),
		backoff:  backoff.DefaultStrategy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.store == nil {
		s, err := OpenStore(ctx, cfg, q.logger)
		if err != nil {
			return nil, err
		}
		q.store = s
	}

	if err := q.store.Migrate(ctx); err != nil {
		return nil, err
	}
	if cfg.Queue.DangerouslyFlush {
		q.logger.Warn("dangerously_flush enabled, wiping all persisted jobs")
		if err := q.store.Clear(ctx); err != nil {
			return nil, err
		}
	}

	mws := append([]middleware.Middleware{
		middleware.Recover(q.logger),
		middleware.Logging(q.logger),
	}, q.mws...)
	q.executor = worker.NewExecutor(q.registry, q.store, q.backoff, q.logger, mws...)

	return q, nil
}

// Register adds a worker for the given job class. Registering the same
// class twice returns drover.ErrDuplicateWorker.
func (q *Queue) Register(name string, h job.HandlerFunc, opts ...job.Option) error {
	return q.registry.Register(name, h, opts...)
}

// RegisterDefinition registers a typed job definition on the queue.
func RegisterDefinition[T any](q *Queue, def *job.Definition[T]) error {
	return job.RegisterDefinition(q.registry, def)
}

// Registry returns the worker registry.
func (q *Queue) Registry() *job.Registry { return q.registry }

// Store returns the Backend Driver, for admin operations and inspection.
func (q *Queue) Store() job.Store { return q.store }

// Enqueue serializes args to JSON and persists a new job. Worker-declared
// defaults (attempt budget, tags) apply first; per-call options override
// them. In ForegroundBlocking mode Enqueue returns only after the job has
// reached a terminal state.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, opts ...job.Option) (*job.Job, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("drover/queue: marshal args for %q: %w", name, err)
	}

	var all []job.Option
	if defaults, ok := q.registry.Options(name); ok {
		all = append(all,
			job.WithMaxAttempts(defaults.MaxAttempts),
			job.WithTags(defaults.Tags...),
		)
		if !defaults.RunAt.IsZero() {
			all = append(all, job.WithRunAt(defaults.RunAt))
		}
	}
	all = append(all, opts...)

	j := job.New(name, raw, all...)
	if err := q.store.Enqueue(ctx, j); err != nil {
		return nil, err
	}

	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)

	if q.cfg.Workers.Mode == drover.ModeForegroundBlocking {
		if err := q.drainUntilTerminal(ctx, j.ID); err != nil {
			return j, err
		}
		final, err := q.store.Get(ctx, j.ID)
		if err != nil {
			return j, err
		}
		return final, nil
	}
	return j, nil
}

// Start launches the worker pool. It is a no-op for ForegroundBlocking
// mode, where execution happens inside Enqueue.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.cfg.Workers.Mode == drover.ModeForegroundBlocking {
		return nil
	}
	q.started = true

	q.pool = worker.NewPool(q.store, q.executor, q.logger,
		worker.WithNumWorkers(q.cfg.Queue.NumWorkers),
		worker.WithPollInterval(q.cfg.Queue.PollInterval.Std()),
		worker.WithLockTimeout(q.cfg.Queue.LockTimeout.Std()),
		worker.WithTags(q.registry.Tags()),
	)
	return q.pool.Start(ctx)
}

// Stop shuts down the worker pool and closes the Backend Driver.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	pool := q.pool
	q.pool = nil
	q.started = false
	q.mu.Unlock()

	if pool != nil {
		if err := pool.Stop(ctx); err != nil {
			return err
		}
	}
	return q.store.Close()
}

// drainUntilTerminal executes due jobs inline until the target job reaches
// a terminal state. Retries of the target (and any other due jobs) run on
// the caller's goroutine.
func (q *Queue) drainUntilTerminal(ctx context.Context, target id.ID) error {
	workerID := id.NewWorkerID()

	for {
		got, err := q.store.Get(ctx, target)
		if err != nil {
			return err
		}
		if got.State.Terminal() {
			return nil
		}

		claimed, err := q.store.Claim(ctx, job.ClaimOpts{
			WorkerID: workerID,
			Tags:     q.registry.Tags(),
			LockFor:  q.cfg.Queue.LockTimeout.Std(),
		})
		if err != nil {
			return err
		}
		if claimed != nil {
			_ = q.executor.Execute(ctx, claimed)
			continue
		}

		// Nothing due yet: the target is waiting out a retry delay.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(foregroundPoll):
		}
	}
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(args)
	}
}
