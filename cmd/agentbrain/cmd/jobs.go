package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/internal/jobs"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect indexing jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			all := svc.Jobs()
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}

			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			for _, j := range all {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %-9s %s\n",
					j.ID, j.Type, j.Status, j.FolderPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := svc.Job(args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.CancelJob(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		},
	}
	return cmd
}

func printJob(cmd *cobra.Command, j *jobs.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:      %s\n", j.ID)
	fmt.Fprintf(out, "Type:     %s\n", j.Type)
	fmt.Fprintf(out, "Status:   %s\n", j.Status)
	fmt.Fprintf(out, "Folder:   %s (%s)\n", j.FolderPath, j.FolderID)
	fmt.Fprintf(out, "Enqueued: %s\n", j.EnqueuedAt.Local().Format(time.RFC3339))
	if j.StartedAt != nil {
		fmt.Fprintf(out, "Started:  %s\n", j.StartedAt.Local().Format(time.RFC3339))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", j.FinishedAt.Local().Format(time.RFC3339))
	}
	if j.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", j.Error)
	}
	p := j.Progress
	if p.Stage != "" || p.ChunksIndexed > 0 {
		fmt.Fprintf(out, "Progress: stage=%s files=%d changed=%d indexed=%d evicted=%d\n",
			p.Stage, p.FilesScanned, p.FilesChanged, p.ChunksIndexed, p.ChunksEvicted)
	}
}
