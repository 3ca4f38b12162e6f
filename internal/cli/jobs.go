package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func NewJobsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and recover failed jobs",
	}
	cmd.AddCommand(newJobsFailedCommand(opts))
	cmd.AddCommand(newJobsReplayCommand(opts))
	cmd.AddCommand(newJobsPurgeCommand(opts))
	return cmd
}

func newJobsFailedCommand(opts *RootOptions) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs whose last execution failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := NewClient(opts.Server).ListFailedJobs(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			return newFormatter(opts, cmd.OutOrStdout()).Print(page, func(w io.Writer) {
				if len(page.Items) == 0 {
					fmt.Fprintln(w, "no failed jobs")
					return
				}
				table := NewTable("KEY", "CLASS", "NAME", "RETRY", "FAILED AT", "MESSAGE")
				for _, job := range page.Items {
					table.AddRow(
						strconv.FormatInt(job.JobDescriptorKey, 10),
						job.JobClassName,
						job.JobName,
						strconv.FormatInt(job.RetryNumber, 10),
						job.LastUpdateDate.Format(time.RFC3339),
						job.LastMessage,
					)
				}
				table.Render(w)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of failed jobs to skip")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of failed jobs to list")
	return cmd
}

func newJobsReplayCommand(opts *RootOptions) *cobra.Command {
	var overrides string
	cmd := &cobra.Command{
		Use:   "replay <job-key>",
		Short: "Execute a failed job again, optionally with overridden parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job key %q: %w", args[0], err)
			}
			params := map[string]any{}
			if overrides != "" {
				if err := decodeObject(overrides, &params); err != nil {
					return fmt.Errorf("overrides must be a json object: %w", err)
				}
			}
			if err := NewClient(opts.Server).ReplayFailedJob(cmd.Context(), key, params); err != nil {
				return err
			}
			out := newFormatter(opts, cmd.OutOrStdout())
			return out.Print(map[string]any{"key": key, "replayed": true}, func(w io.Writer) {
				out.Success("job %d replayed successfully", key)
			})
		},
	}
	cmd.Flags().StringVar(&overrides, "overrides", "", "json object of job parameters to replace")
	return cmd
}

func newJobsPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <job-key>",
		Short: "Drop a failed job together with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job key %q: %w", args[0], err)
			}
			if err := NewClient(opts.Server).PurgeFailedJob(cmd.Context(), key); err != nil {
				return err
			}
			out := newFormatter(opts, cmd.OutOrStdout())
			return out.Print(map[string]any{"key": key, "purged": true}, func(w io.Writer) {
				out.Success("job %d purged", key)
			})
		},
	}
}
