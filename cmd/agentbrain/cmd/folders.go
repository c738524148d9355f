package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/internal/jobs"
	"github.com/SpillwaveSolutions/agent-brain/internal/service"
)

func newFoldersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Manage indexed folders",
	}
	cmd.AddCommand(newFoldersAddCmd())
	cmd.AddCommand(newFoldersListCmd())
	cmd.AddCommand(newFoldersRemoveCmd())
	cmd.AddCommand(newFoldersReindexCmd())
	return cmd
}

func newFoldersAddCmd() *cobra.Command {
	var presets []string
	var include []string
	var exclude []string
	var recursive bool

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a folder and index it",
		Long: `Register a folder and run its first index pass.

Re-adding a registered folder updates its presets and glob filters
and runs an incremental pass.

Examples:
  agent-brain folders add .
  agent-brain folders add ~/src/api --preset go --preset docs
  agent-brain folders add . --exclude "**/testdata/**"
  agent-brain folders add ~/notes --recursive=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, job, _, err := svc.AddFolder(args[0], presets, include, exclude, recursive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (id %s)\n", rec.Path, rec.ID)
			return waitForJob(cmd, svc, job.ID)
		},
	}

	cmd.Flags().StringSliceVar(&presets, "preset", nil, "File-type preset (repeatable; see 'agent-brain presets')")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Extra include glob (repeatable)")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Exclude glob (repeatable)")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "Descend into subdirectories")
	return cmd
}

func newFoldersListCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			folders := svc.Folders()
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(folders)
			}

			if len(folders) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No folders registered. Run 'agent-brain folders add <path>'.")
				return nil
			}
			for _, f := range folders {
				indexed := "never"
				if !f.LastIndexedAt.IsZero() {
					indexed = f.LastIndexedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", f.ID, f.Path)
				fmt.Fprintf(cmd.OutOrStdout(), "    files: %d  last indexed: %s", len(f.Files), indexed)
				if len(f.Presets) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "  presets: %s", strings.Join(f.Presets, ","))
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func newFoldersRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id-or-path>",
		Short: "Remove a folder and evict its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := svc.RemoveFolder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%d chunks deleted)\n", args[0], deleted)
			return nil
		},
	}
	return cmd
}

func newFoldersReindexCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "reindex <id-or-path>",
		Short: "Re-run indexing for a folder",
		Long: `Re-run indexing for a registered folder.

By default only changed files are re-processed. With --full every
document for the folder is evicted and rebuilt, which is the way out
after switching embedding models.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, _, err := svc.ReindexFolder(args[0], full)
			if err != nil {
				return err
			}
			return waitForJob(cmd, svc, job.ID)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Rebuild every document instead of only changed files")
	return cmd
}

// waitForJob polls a job to completion, printing stage transitions.
func waitForJob(cmd *cobra.Command, svc *service.Service, jobID string) error {
	lastStage := ""
	for {
		job, err := svc.Job(jobID)
		if err != nil {
			return err
		}
		if job.Progress.Stage != "" && job.Progress.Stage != lastStage {
			lastStage = job.Progress.Stage
			fmt.Fprintf(cmd.OutOrStdout(), "  %s...\n", lastStage)
		}
		if job.Status.Terminal() {
			return printJobOutcome(cmd, job)
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printJobOutcome(cmd *cobra.Command, job *jobs.Job) error {
	switch job.Status {
	case jobs.StatusSucceeded:
		fmt.Fprintf(cmd.OutOrStdout(),
			"Done: %d files scanned, %d changed, %d chunks indexed, %d evicted\n",
			job.Progress.FilesScanned, job.Progress.FilesChanged,
			job.Progress.ChunksIndexed, job.Progress.ChunksEvicted)
		return nil
	case jobs.StatusCancelled:
		fmt.Fprintln(cmd.OutOrStdout(), "Job cancelled")
		return nil
	default:
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
}
