// Package store groups the Backend Driver implementations of job.Store.
//
// Four interchangeable drivers share the same claim/complete/fail
// contract:
//
//   - memory: process-local maps; backs BackgroundAsync and
//     ForegroundBlocking modes and unit tests. No persistence.
//   - redis: broker-backed durable queue on go-redis v9. The queued set
//     is a sorted set scored by run_at; ZRem is the atomic claim
//     primitive; claimed ids are parked in a running sorted set scored by
//     lease deadline; terminally failed jobs are additionally tracked in
//     a dead set.
//   - postgres: rows in one table, claimed with a single
//     UPDATE … FOR UPDATE SKIP LOCKED statement (pgx v5).
//   - sqlite: rows in one table, claimed with an optimistic
//     compare-and-swap conditional UPDATE (database/sql + go-sqlite3).
//
// New backends are added by implementing job.Store, not by branching on a
// backend enum in the dispatch loop.
package store
