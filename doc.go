// Package drover provides a backend-agnostic background job engine for Go.
// Application code enqueues typed units of work through a single Queue
// facade; where and when the work runs is decided by configuration, not by
// the caller.
//
// Three execution modes are supported:
//
//   - BackgroundQueue: jobs are persisted to a durable backend (Redis,
//     Postgres, or SQLite) and executed by worker processes that may run
//     separately from the producer. Work survives process crashes.
//   - BackgroundAsync: jobs run on an in-process worker pool backed by an
//     in-memory store. No persistence; minimal operational footprint.
//   - ForegroundBlocking: Enqueue executes the job inline and returns only
//     after it reached a terminal state. Intended for deterministic tests.
//
// # Quick Start
//
//	cfg, err := drover.Load("config.yaml")
//	q, err := queue.New(ctx, cfg)
//	err = queue.RegisterDefinition(q, job.NewDefinition("send_email", sendEmail))
//	j, err := q.Enqueue(ctx, "send_email", EmailArgs{To: "a@example.com"})
//
// # Architecture
//
// The Backend Driver contract is the job.Store interface; one
// implementation per backend lives under store/. The worker package holds
// the dispatch loop (Pool) and per-job execution (Executor). The admin
// package operates directly on a store for cancel/tidy/purge/dump/import,
// independent of any running pool.
//
// All job IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package drover
