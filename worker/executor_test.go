package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain claims and executes jobs until the store has none ready, retrying
// until deadline so zero-delay retries get picked up.
func drain(t *testing.T, s *memory.Store, e *Executor) {
	t.Helper()

	ctx := context.Background()
	workerID := id.NewWorkerID()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Claim(ctx, job.ClaimOpts{WorkerID: workerID, LockFor: time.Minute})
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if j == nil {
			pending, err := s.List(ctx, job.Filter{State: job.StateQueued})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(pending) == 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		_ = e.Execute(ctx, j)
	}
	t.Fatal("drain did not settle before deadline")
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	s := memory.New()
	registry := job.NewRegistry()
	var got []byte
	registry.Register("send_email", func(_ context.Context, args []byte) error {
		got = append([]byte(nil), args...)
		return nil
	})
	e := NewExecutor(registry, s, backoff.NewConstant(0), discardLogger())

	ctx := context.Background()
	j := job.New("send_email", []byte(`{"to":"a@example.com"}`))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	drain(t, s, e)

	if string(got) != `{"to":"a@example.com"}` {
		t.Errorf("handler args = %s", got)
	}
	final, _ := s.Get(ctx, j.ID)
	if final.State != job.StateCompleted {
		t.Errorf("State = %q, want %q", final.State, job.StateCompleted)
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", final.Attempts)
	}
}

func TestExecuteFlakyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	s := memory.New()
	registry := job.NewRegistry()
	calls := 0
	registry.Register("flaky", func(_ context.Context, _ []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	e := NewExecutor(registry, s, backoff.NewConstant(0), discardLogger())

	ctx := context.Background()
	j := job.New("flaky", nil, job.WithMaxAttempts(3))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	drain(t, s, e)

	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
	final, _ := s.Get(ctx, j.ID)
	if final.State != job.StateCompleted {
		t.Errorf("State = %q, want %q", final.State, job.StateCompleted)
	}
	if final.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", final.Attempts)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	t.Parallel()

	s := memory.New()
	registry := job.NewRegistry()
	calls := 0
	registry.Register("doomed", func(_ context.Context, _ []byte) error {
		calls++
		return errors.New("permanent failure")
	})
	e := NewExecutor(registry, s, backoff.NewConstant(0), discardLogger())

	ctx := context.Background()
	j := job.New("doomed", nil, job.WithMaxAttempts(2))
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	drain(t, s, e)

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	final, _ := s.Get(ctx, j.ID)
	if final.State != job.StateFailed {
		t.Errorf("State = %q, want %q", final.State, job.StateFailed)
	}
	if final.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", final.Attempts)
	}
	if final.LastError != "permanent failure" {
		t.Errorf("LastError = %q", final.LastError)
	}
}

func TestExecuteUnknownClass(t *testing.T) {
	t.Parallel()

	s := memory.New()
	e := NewExecutor(job.NewRegistry(), s, backoff.NewConstant(0), discardLogger())

	ctx := context.Background()
	j := job.New("ghost", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claimed, err := s.Claim(ctx, job.ClaimOpts{WorkerID: id.NewWorkerID(), LockFor: time.Minute})
	if err != nil || claimed == nil {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}

	// The loop must survive an unregistered class: Execute returns nil and
	// the job is failed terminally.
	if err := e.Execute(ctx, claimed); err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}

	final, _ := s.Get(ctx, j.ID)
	if final.State != job.StateFailed {
		t.Errorf("State = %q, want %q", final.State, job.StateFailed)
	}
	if !strings.Contains(final.LastError, "no worker registered") {
		t.Errorf("LastError = %q, want mention of missing worker", final.LastError)
	}
}
