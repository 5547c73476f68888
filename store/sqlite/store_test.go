package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "drover.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func claimOpts(tags ...string) job.ClaimOpts {
	return job.ClaimOpts{
		WorkerID: id.NewWorkerID(),
		Tags:     tags,
		LockFor:  time.Minute,
	}
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("send_email", json.RawMessage(`{"to":"a@example.com"}`),
		job.WithMaxAttempts(5), job.WithTags("mailer"))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "send_email" {
		t.Errorf("Name = %q, want %q", got.Name, "send_email")
	}
	if got.State != job.StateQueued {
		t.Errorf("State = %q, want %q", got.State, job.StateQueued)
	}
	if got.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got.MaxAttempts)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "mailer" {
		t.Errorf("Tags = %v, want [mailer]", got.Tags)
	}
	if string(got.Args) != `{"to":"a@example.com"}` {
		t.Errorf("Args = %s", got.Args)
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("send_email", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Enqueue(ctx, j); !errors.Is(err, drover.ErrJobAlreadyExists) {
		t.Errorf("Enqueue() duplicate error = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Get(context.Background(), id.NewJobID()); !errors.Is(err, drover.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want ErrJobNotFound", err)
	}
}

func TestClaimOrdersByRunAt(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	later := job.New("later", nil, job.WithRunAt(time.Now().Add(-time.Minute)))
	earlier := job.New("earlier", nil, job.WithRunAt(time.Now().Add(-time.Hour)))
	for _, j := range []*job.Job{later, earlier} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	opts := claimOpts()
	got, err := s.Claim(ctx, opts)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got == nil || got.Name != "earlier" {
		t.Fatalf("Claim() = %+v, want job %q", got, "earlier")
	}
	if got.State != job.StateRunning {
		t.Errorf("State = %q, want %q", got.State, job.StateRunning)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LockedAt == nil {
		t.Error("LockedAt = nil, want set")
	}
	if got.LockedBy != opts.WorkerID.String() {
		t.Errorf("LockedBy = %q, want %q", got.LockedBy, opts.WorkerID)
	}
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("scheduled", nil, job.WithDelay(time.Hour))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := s.Claim(ctx, claimOpts())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got != nil {
		t.Errorf("Claim() = %+v, want nil for future job", got)
	}
}

func TestClaimTagFiltering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	tagged := job.New("gpu_work", nil, job.WithTags("gpu"))
	plain := job.New("plain_work", nil)
	for _, j := range []*job.Job{tagged, plain} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// A claimer without the gpu tag must only ever see the untagged job.
	got, err := s.Claim(ctx, claimOpts())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got == nil || got.Name != "plain_work" {
		t.Fatalf("Claim() without tags = %+v, want plain_work", got)
	}

	got, err = s.Claim(ctx, claimOpts("gpu"))
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got == nil || got.Name != "gpu_work" {
		t.Fatalf("Claim() with gpu tag = %+v, want gpu_work", got)
	}
}

func TestClaimAtMostOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		if err := s.Enqueue(ctx, job.New("work", nil)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := claimOpts()
			for {
				j, err := s.Claim(ctx, opts)
				if err != nil {
					t.Errorf("Claim() error = %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), total)
	}
	for jid, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times, want exactly once", jid, n)
		}
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("work", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.Claim(ctx, claimOpts()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := s.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("State = %q, want %q", got.State, job.StateCompleted)
	}
	if got.LockedAt != nil || got.LockedBy != "" {
		t.Errorf("lock not released: LockedAt=%v LockedBy=%q", got.LockedAt, got.LockedBy)
	}
}

func TestFailWithRetry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("flaky", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.Claim(ctx, claimOpts()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	retryAt := time.Now().Add(time.Minute)
	if err := s.Fail(ctx, j.ID, "boom", &retryAt); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != job.StateQueued {
		t.Errorf("State = %q, want %q", got.State, job.StateQueued)
	}
	if got.LastError != "boom" {
		t.Errorf("LastError = %q, want %q", got.LastError, "boom")
	}
	if !got.RunAt.After(time.Now()) {
		t.Errorf("RunAt = %v, want in the future", got.RunAt)
	}
}

func TestFailTerminal(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("doomed", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.Claim(ctx, claimOpts()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := s.Fail(ctx, j.ID, "gave up", nil); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != job.StateFailed {
		t.Errorf("State = %q, want %q", got.State, job.StateFailed)
	}

	// Terminally failed jobs must never be claimed again.
	next, err := s.Claim(ctx, claimOpts())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if next != nil {
		t.Errorf("Claim() = %+v, want nil after terminal failure", next)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	queued := job.New("send_email", nil)
	other := job.New("resize_image", nil)
	running := job.New("send_email", nil)
	for _, j := range []*job.Job{queued, other, running} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	// Put one send_email into running so Cancel must skip it.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE drover_jobs SET state = ? WHERE id = ?`,
		string(job.StateRunning), running.ID.String()); err != nil {
		t.Fatalf("setup update error = %v", err)
	}

	n, err := s.Cancel(ctx, "send_email")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Cancel() = %d, want 1", n)
	}

	got, _ := s.Get(ctx, queued.ID)
	if got.State != job.StateCancelled {
		t.Errorf("queued job State = %q, want %q", got.State, job.StateCancelled)
	}
	got, _ = s.Get(ctx, other.ID)
	if got.State != job.StateQueued {
		t.Errorf("other job State = %q, want %q", got.State, job.StateQueued)
	}

	// Cancelling again matches nothing.
	n, err = s.Cancel(ctx, "send_email")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second Cancel() = %d, want 0", n)
	}
}

func TestTidy(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	done := job.New("done", nil)
	cancelled := job.New("cancelled", nil)
	pending := job.New("pending", nil)
	for _, j := range []*job.Job{done, cancelled, pending} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if _, err := s.Claim(ctx, claimOpts()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := s.Complete(ctx, done.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := s.Cancel(ctx, "cancelled"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	n, err := s.Tidy(ctx)
	if err != nil {
		t.Fatalf("Tidy() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Tidy() = %d, want 2", n)
	}
	if _, err := s.Get(ctx, done.ID); !errors.Is(err, drover.ErrJobNotFound) {
		t.Errorf("completed job still present after Tidy")
	}
	if _, err := s.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending job removed by Tidy: %v", err)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	old := job.New("old", nil)
	fresh := job.New("fresh", nil)
	for _, j := range []*job.Job{old, fresh} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	// Backdate the old job a week.
	weekAgo := time.Now().UTC().Add(-7 * 24 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE drover_jobs SET created_at = ? WHERE id = ?`,
		fmtTime(weekAgo), old.ID.String()); err != nil {
		t.Fatalf("setup update error = %v", err)
	}

	n, err := s.Purge(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Purge() = %d, want 1", n)
	}
	if _, err := s.Get(ctx, old.ID); !errors.Is(err, drover.ErrJobNotFound) {
		t.Errorf("old job still present after Purge")
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job removed by Purge: %v", err)
	}
}

func TestRequeueStale(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	stale := job.New("stale", nil)
	live := job.New("live", nil)
	for _, j := range []*job.Job{stale, live} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Claim(ctx, claimOpts()); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
	}
	// Backdate the stale claim past the lock timeout.
	staleLock := time.Now().UTC().Add(-time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE drover_jobs SET locked_at = ? WHERE id = ?`,
		fmtTime(staleLock), stale.ID.String()); err != nil {
		t.Fatalf("setup update error = %v", err)
	}

	n, err := s.RequeueStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueStale() = %d, want 1", n)
	}

	got, _ := s.Get(ctx, stale.ID)
	if got.State != job.StateQueued {
		t.Errorf("stale job State = %q, want %q", got.State, job.StateQueued)
	}
	if got.LockedAt != nil || got.LockedBy != "" {
		t.Errorf("stale lock not cleared: LockedAt=%v LockedBy=%q", got.LockedAt, got.LockedBy)
	}
	got, _ = s.Get(ctx, live.ID)
	if got.State != job.StateRunning {
		t.Errorf("live job State = %q, want %q", got.State, job.StateRunning)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a := job.New("alpha", nil)
	b := job.New("beta", nil)
	for _, j := range []*job.Job{a, b} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	all, err := s.List(ctx, job.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d jobs, want 2", len(all))
	}

	byName, err := s.List(ctx, job.Filter{Name: "alpha"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byName) != 1 || byName[0].Name != "alpha" {
		t.Errorf("List(Name=alpha) = %v", byName)
	}

	byState, err := s.List(ctx, job.Filter{State: job.StateCompleted})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(byState) != 0 {
		t.Errorf("List(State=completed) returned %d jobs, want 0", len(byState))
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, job.New("work", nil)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	all, err := s.List(ctx, job.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("List() after Clear = %d jobs, want 0", len(all))
	}
}

func TestClaimWholeSecondRunAt(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// A run_at with no fractional component must still compare as due.
	j := job.New("send_email", nil, job.WithRunAt(time.Now().UTC().Truncate(time.Second)))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := s.Claim(ctx, claimOpts())
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got == nil || got.ID != j.ID {
		t.Fatalf("Claim() = %+v, want whole-second job %s", got, j.ID)
	}
}

func TestClaimHonorsRetryDelayUnderContention(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	j := job.New("flaky_report", nil, job.WithMaxAttempts(1 << 20))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// One claimer keeps failing the job with a far-future retry, then puts
	// it back in the past so the next round stays contended. The claim
	// compare-and-swap must never win a row rescheduled into the future
	// between the candidate select and the update.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := s.Claim(ctx, claimOpts())
			if err != nil || got == nil {
				continue
			}
			retryAt := time.Now().UTC().Add(time.Hour)
			_ = s.Fail(ctx, got.ID, "transient", &retryAt)
			_, _ = s.db.ExecContext(ctx, `
				UPDATE drover_jobs SET state = ?, run_at = ? WHERE id = ?`,
				string(job.StateQueued),
				fmtTime(time.Now().UTC().Add(-time.Second)),
				got.ID.String(),
			)
		}
	}()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, err := s.Claim(ctx, claimOpts())
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if got == nil {
			continue
		}
		if until := time.Until(got.RunAt); until > time.Minute {
			t.Fatalf("claimed job %s with run_at %v in the future", got.ID, until)
		}
		retryAt := time.Now().UTC().Add(-time.Second)
		_ = s.Fail(ctx, got.ID, "transient", &retryAt)
	}
}
