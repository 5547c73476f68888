package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// Pool manages a set of concurrent claim loops that poll the store for
// eligible jobs and execute them through the Executor. A reaper loop
// returns jobs whose claim outlived the lock timeout to the queue.
type Pool struct {
	store        job.Store
	executor     *Executor
	numWorkers   int
	tags         []string
	pollInterval time.Duration
	lockTimeout  time.Duration
	limiter      *rate.Limiter
	workerID     id.ID
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithNumWorkers sets the number of concurrent claim loops.
func WithNumWorkers(n int) PoolOption {
	return func(p *Pool) { p.numWorkers = n }
}

// WithTags sets the tag set the pool claims with. A job is claimable only
// when this set covers all of the job's tags.
func WithTags(tags []string) PoolOption {
	return func(p *Pool) { p.tags = tags }
}

// WithPollInterval sets how long a claim loop sleeps when no job is ready.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLockTimeout sets the claim lease. Running jobs locked for longer than
// this are considered abandoned and requeued by the reaper. A zero value
// disables the reaper.
func WithLockTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.lockTimeout = d }
}

// WithClaimRate caps claims per second across all loops in this pool.
// A zero value leaves claiming unthrottled.
func WithClaimRate(perSecond float64) PoolOption {
	return func(p *Pool) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		numWorkers:   10,
		pollInterval: time.Second,
		lockTimeout:  5 * time.Minute,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Start launches the claim loops and the reaper. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("num_workers", p.numWorkers),
		slog.Any("tags", p.tags),
	)

	for range p.numWorkers {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.lockTimeout > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all loops to stop and waits for them to finish. If the
// context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		j, err := p.store.Claim(p.ctx, job.ClaimOpts{
			WorkerID: p.workerID,
			Tags:     p.tags,
			LockFor:  p.lockTimeout,
		})
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if j == nil {
			p.sleep()
			continue
		}

		jobCtx, cancel := context.WithCancel(p.ctx)
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(jobCtx, j); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()
	}
}

// reaperLoop periodically requeues running jobs whose claim has expired.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.lockTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.RequeueStale(p.ctx, p.lockTimeout)
			if err != nil {
				p.logger.Error("requeue stale jobs error", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				p.logger.Info("requeued stale jobs", slog.Int64("count", n))
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
