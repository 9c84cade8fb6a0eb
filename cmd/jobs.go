package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/pipeline"
)

func newJobsCmd() *cobra.Command {
	var filter ingest.JobFilter
	var status string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Lists broker jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			filter.Status = ingest.JobStatus(status)
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			jobs, err := a.Broker.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			for i := range jobs {
				jobs[i].Args = pipeline.RedactArgs(jobs[i].Args)
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&filter.Queue, "queue", "", "only jobs on this queue")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this state (queued, started, finished, failed, deferred, scheduled)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum jobs to print")
	return cmd
}
