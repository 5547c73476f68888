// Package cli builds the drover command tree. The embedding application
// supplies worker registration and an optional serve function; the package
// provides the start command and the jobs admin subcommands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/queue"
)

// Options wires the embedding application into the command tree.
type Options struct {
	// AppName names the root command. Defaults to "drover".
	AppName string

	// Version is printed by --version when set.
	Version string

	// DefaultConfigPath is the --config default. Defaults to "drover.yaml".
	DefaultConfigPath string

	// Register is called once after the queue is constructed so the
	// application can register its workers. Required for start.
	Register func(q *queue.Queue) error

	// Serve runs the application's own server (HTTP or otherwise) until
	// the context is cancelled. Optional; without it --server-and-worker
	// is unavailable and start always means worker-only.
	Serve func(ctx context.Context, q *queue.Queue) error

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.AppName == "" {
		o.AppName = "drover"
	}
	if o.DefaultConfigPath == "" {
		o.DefaultConfigPath = "drover.yaml"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// New builds the root command.
func New(opts Options) *cobra.Command {
	opts.defaults()

	var configPath string

	root := &cobra.Command{
		Use:           opts.AppName,
		Short:         "background job execution engine",
		Version:       opts.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", opts.DefaultConfigPath, "path to the YAML configuration file")

	loadConfig := func() (*drover.Config, error) {
		return drover.Load(configPath)
	}

	root.AddCommand(newStartCmd(&opts, loadConfig))
	root.AddCommand(newJobsCmd(&opts, loadConfig))
	return root
}

func newStartCmd(opts *Options, loadConfig func() (*drover.Config, error)) *cobra.Command {
	var (
		workerOnly      bool
		serverAndWorker bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the server, a worker process, or both",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workerOnly && serverAndWorker {
				return fmt.Errorf("--worker and --server-and-worker are mutually exclusive")
			}
			if serverAndWorker && opts.Serve == nil {
				return fmt.Errorf("--server-and-worker requires a serve function")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// A durable queue is meant to be worked by dedicated worker
			// processes; running it inside the server process defeats the
			// isolation the mode exists for.
			if serverAndWorker && cfg.Workers.Mode == drover.ModeBackgroundQueue {
				return fmt.Errorf("--server-and-worker is not supported with workers.mode %q; run a separate worker process", drover.ModeBackgroundQueue)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, err := queue.New(ctx, cfg, queue.WithLogger(opts.Logger))
			if err != nil {
				return err
			}
			if opts.Register != nil {
				if err := opts.Register(q); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)

			runWorker := workerOnly || serverAndWorker || opts.Serve == nil
			if runWorker {
				if err := q.Start(gctx); err != nil {
					return err
				}
			}
			if opts.Serve != nil && !workerOnly {
				g.Go(func() error {
					return opts.Serve(gctx, q)
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			err = g.Wait()
			if stopErr := q.Stop(context.Background()); stopErr != nil && err == nil {
				err = stopErr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&workerOnly, "worker", false, "run a worker process only")
	cmd.Flags().BoolVar(&serverAndWorker, "server-and-worker", false, "run the server and a worker in one process")
	return cmd
}
