// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that manages
// concurrent claim loops polling the store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/middleware"
)

// Executor runs a single claimed job through middleware and the registered
// handler, then records the outcome: completion, a scheduled retry, or a
// terminal failure once the attempt budget is spent.
type Executor struct {
	registry *job.Registry
	store    job.Store
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed job. A job whose class has no registered worker is
// failed terminally without consuming further attempts; the claim loop
// keeps running either way. Handler errors schedule a retry with backoff
// while attempts remain, and fail the job terminally once they are spent.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		msg := fmt.Sprintf("no worker registered for job class %q", j.Name)
		e.logger.Warn("discarding job with unknown class",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
		)
		if failErr := e.store.Fail(ctx, j.ID, msg, nil); failErr != nil {
			return fmt.Errorf("drover/worker: fail unknown job class: %w", failErr)
		}
		return nil
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Args)
	}

	start := time.Now()
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, j, err)
	}
	return e.handleSuccess(ctx, j, elapsed)
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	if err := e.store.Complete(ctx, j.ID); err != nil {
		e.logger.Error("failed to mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempts),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	// Attempts was already incremented by the claim.
	if j.Attempts < j.MaxAttempts {
		delay := e.backoff.Delay(j.Attempts)
		retryAt := time.Now().UTC().Add(delay)

		if err := e.store.Fail(ctx, j.ID, handlerErr.Error(), &retryAt); err != nil {
			e.logger.Error("failed to schedule job retry",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}

		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return fmt.Errorf("job %s attempt %d/%d: %w", j.Name, j.Attempts, j.MaxAttempts, handlerErr)
	}

	if err := e.store.Fail(ctx, j.ID, handlerErr.Error(), nil); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}
