package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/admin"
	"github.com/drover-io/drover/job"
	"github.com/drover-io/drover/queue"
)

// newJobsCmd builds the jobs admin subtree. Every subcommand opens the
// configured Backend Driver directly; no worker pool is involved. Zero
// affected records is success, so all count-printing commands exit 0.
func newJobsCmd(opts *Options, loadConfig func() (*drover.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "manage persisted jobs",
	}

	withService := func(run func(cmd *cobra.Command, svc *admin.Service, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := queue.OpenStore(cmd.Context(), cfg, opts.Logger)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			return run(cmd, admin.New(store, admin.WithLogger(opts.Logger)), args)
		}
	}

	cancel := &cobra.Command{
		Use:   "cancel <class_names...>",
		Short: "cancel queued jobs by class name",
		Args:  cobra.MinimumNArgs(1),
		RunE: withService(func(cmd *cobra.Command, svc *admin.Service, args []string) error {
			n, err := svc.Cancel(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d job(s)\n", n)
			return nil
		}),
	}

	tidy := &cobra.Command{
		Use:   "tidy",
		Short: "delete completed and cancelled jobs",
		Args:  cobra.NoArgs,
		RunE: withService(func(cmd *cobra.Command, svc *admin.Service, _ []string) error {
			n, err := svc.Tidy(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tidied %d job(s)\n", n)
			return nil
		}),
	}

	var (
		purgeDays int
		purgeDump string
	)
	purge := &cobra.Command{
		Use:   "purge --days N [--dump <folder>]",
		Short: "delete jobs older than N days regardless of state",
		Args:  cobra.NoArgs,
		RunE: withService(func(cmd *cobra.Command, svc *admin.Service, _ []string) error {
			if purgeDays <= 0 {
				return fmt.Errorf("--days must be a positive number of days")
			}
			n, err := svc.Purge(cmd.Context(), purgeDays, purgeDump)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", n)
			return nil
		}),
	}
	purge.Flags().IntVar(&purgeDays, "days", 0, "age threshold in days")
	purge.Flags().StringVar(&purgeDump, "dump", "", "dump affected records to this folder before deleting")
	purge.MarkFlagRequired("days")

	dump := &cobra.Command{
		Use:   "dump <folder>",
		Short: "export every job record to JSON files",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(cmd *cobra.Command, svc *admin.Service, args []string) error {
			n, err := svc.Dump(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dumped %d job(s) to %s\n", n, args[0])
			return nil
		}),
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "re-enqueue a previously dumped job record",
		Args:  cobra.ExactArgs(1),
		RunE: withService(func(cmd *cobra.Command, svc *admin.Service, args []string) error {
			j, err := svc.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported job %s (%s)\n", j.ID, j.Name)
			return nil
		}),
	}

	list := &cobra.Command{
		Use:   "list [--state <state>]",
		Short: "list persisted jobs",
		Args:  cobra.NoArgs,
	}
	var listState string
	list.Flags().StringVar(&listState, "state", "", "filter by state (queued, running, completed, failed, cancelled)")
	list.RunE = withService(func(cmd *cobra.Command, svc *admin.Service, _ []string) error {
		jobs, err := svc.List(cmd.Context(), job.Filter{State: job.State(listState)})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tattempts=%d/%d\t%s\n",
				j.ID, j.Name, j.State, j.Attempts, j.MaxAttempts, j.LastError)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d job(s)\n", len(jobs))
		return nil
	})

	cmd.AddCommand(cancel, tidy, purge, dump, importCmd, list)
	return cmd
}
