// Package memory provides a fully in-memory Backend Driver. It backs the
// BackgroundAsync and ForegroundBlocking modes and is used throughout the
// test suite. A process crash loses all jobs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

// Ensure Store implements the Backend Driver contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store.
// Safe for concurrent access.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// Enqueue persists a new job in queued state.
func (m *Store) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return drover.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// Claim atomically claims the next eligible queued job. The single mutex
// is the claim primitive: no two callers can win the same job.
func (m *Store) Claim(_ context.Context, opts job.ClaimOpts) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var next *job.Job
	for _, j := range m.jobs {
		if j.State != job.StateQueued {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		if !job.TagsMatch(j.Tags, opts.Tags) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = job.StateRunning
	next.Attempts++
	next.LockedAt = &now
	next.LockedBy = opts.WorkerID.String()
	next.UpdatedAt = now

	// Return a copy so callers can mutate without racing with the store.
	cp := *next
	return &cp, nil
}

// Complete marks a running job completed and releases its claim.
func (m *Store) Complete(_ context.Context, jobID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return drover.ErrJobNotFound
	}
	j.State = job.StateCompleted
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records a failed execution: back to queued when retryAt is set,
// terminally failed otherwise.
func (m *Store) Fail(_ context.Context, jobID id.ID, lastError string, retryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return drover.ErrJobNotFound
	}

	j.LastError = lastError
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = time.Now().UTC()

	if retryAt != nil {
		j.State = job.StateQueued
		j.RunAt = retryAt.UTC()
	} else {
		j.State = job.StateFailed
	}
	return nil
}

// Cancel transitions queued jobs with the given class name to cancelled.
func (m *Store) Cancel(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range m.jobs {
		if j.State == job.StateQueued && j.Name == name {
			j.State = job.StateCancelled
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Tidy deletes completed and cancelled jobs.
func (m *Store) Tidy(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if j.State == job.StateCompleted || j.State == job.StateCancelled {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// Purge deletes jobs older than the given age regardless of state.
func (m *Store) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for key, j := range m.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// RequeueStale returns running jobs with an expired claim to queued.
func (m *Store) RequeueStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.LockedAt == nil || j.LockedAt.Before(cutoff) {
			j.State = job.StateQueued
			j.RunAt = now
			j.LockedAt = nil
			j.LockedBy = ""
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, drover.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// List returns jobs matching the filter, oldest first.
func (m *Store) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Name != "" && j.Name != f.Name {
			continue
		}
		if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// Clear deletes every job.
func (m *Store) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]*job.Job)
	return nil
}
