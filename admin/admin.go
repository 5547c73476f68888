// Package admin implements the operator surface over any Backend Driver:
// cancel-by-name, tidy, age-based purge, and dump/import of job records as
// human-editable JSON files. All operations work directly on the store and
// are independent of any running worker pool.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/drover-io/drover/job"
)

// Service exposes the admin operations over a Backend Driver.
type Service struct {
	store  job.Store
	logger *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates an admin service over the given store.
func New(store job.Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cancel transitions queued jobs with the given class names to cancelled
// and returns the total number affected. Running and terminal jobs are
// left untouched; zero matches is not an error.
func (s *Service) Cancel(ctx context.Context, names ...string) (int64, error) {
	var total int64
	for _, name := range names {
		n, err := s.store.Cancel(ctx, name)
		if err != nil {
			return total, fmt.Errorf("drover/admin: cancel %q: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// Tidy deletes completed and cancelled jobs. Failed jobs are considered
// actionable and are kept.
func (s *Service) Tidy(ctx context.Context) (int64, error) {
	n, err := s.store.Tidy(ctx)
	if err != nil {
		return 0, fmt.Errorf("drover/admin: tidy: %w", err)
	}
	return n, nil
}

// Purge deletes jobs created more than the given number of days ago,
// regardless of state. This is a blunt retention tool; when dumpDir is
// non-empty the affected records are dumped there first.
func (s *Service) Purge(ctx context.Context, days int, dumpDir string) (int64, error) {
	olderThan := time.Duration(days) * 24 * time.Hour

	if dumpDir != "" {
		cutoff := time.Now().UTC().Add(-olderThan)
		doomed, err := s.store.List(ctx, job.Filter{CreatedBefore: cutoff})
		if err != nil {
			return 0, fmt.Errorf("drover/admin: purge list: %w", err)
		}
		if err := dumpJobs(dumpDir, doomed); err != nil {
			return 0, err
		}
		s.logger.Info("dumped jobs before purge",
			slog.Int("count", len(doomed)),
			slog.String("dir", dumpDir),
		)
	}

	n, err := s.store.Purge(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("drover/admin: purge: %w", err)
	}
	return n, nil
}

// Dump serializes every job record to an individual JSON file in dir,
// named {id}.json. The files preserve class name, args, and metadata and
// are intended to be edited by hand before Import.
func (s *Service) Dump(ctx context.Context, dir string) (int, error) {
	jobs, err := s.store.List(ctx, job.Filter{})
	if err != nil {
		return 0, fmt.Errorf("drover/admin: dump list: %w", err)
	}
	if err := dumpJobs(dir, jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Import reads one previously dumped record and re-enqueues it as a new
// queued job. Class name, args, tags, and the attempt budget carry over
// byte-for-byte; the id and timestamps are fresh, and execution history
// (attempts, last error, lock) is reset.
func (s *Service) Import(ctx context.Context, path string) (*job.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("drover/admin: import read %s: %w", path, err)
	}

	var dumped job.Job
	if err := json.Unmarshal(data, &dumped); err != nil {
		return nil, fmt.Errorf("drover/admin: import parse %s: %w", path, err)
	}
	if dumped.Name == "" {
		return nil, fmt.Errorf("drover/admin: import %s: missing job name", path)
	}

	opts := []job.Option{job.WithTags(dumped.Tags...)}
	if dumped.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(dumped.MaxAttempts))
	}

	j := job.New(dumped.Name, dumped.Args, opts...)
	if err := s.store.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("drover/admin: import enqueue: %w", err)
	}

	s.logger.Info("imported job",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("file", path),
	)
	return j, nil
}

// List returns jobs matching the filter, for status inspection.
func (s *Service) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	jobs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("drover/admin: list: %w", err)
	}
	return jobs, nil
}

func dumpJobs(dir string, jobs []*job.Job) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("drover/admin: create dump dir %s: %w", dir, err)
	}
	for _, j := range jobs {
		data, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return fmt.Errorf("drover/admin: marshal job %s: %w", j.ID, err)
		}
		path := filepath.Join(dir, j.ID.String()+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("drover/admin: write %s: %w", path, err)
		}
	}
	return nil
}
