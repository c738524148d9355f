package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

func newIndexCmd() *cobra.Command {
	var presets []string
	var full bool
	var recursive bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a folder (register it first if needed)",
		Long: `Index a folder and wait for the job to finish.

An unregistered path is registered first, then indexed. A registered
one gets an incremental pass, or a full rebuild with --full. The path
defaults to the current directory.

Examples:
  agent-brain index
  agent-brain index ~/src/api --preset go
  agent-brain index . --full`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}

			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, _, err := svc.ReindexFolder(path, full)
			if aberrors.IsKind(err, aberrors.KindNotFound) {
				rec, addJob, _, addErr := svc.AddFolder(path, presets, nil, nil, recursive)
				if addErr != nil {
					return addErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (id %s)\n", rec.Path, rec.ID)
				job = addJob
			} else if err != nil {
				return err
			}
			return waitForJob(cmd, svc, job.ID)
		},
	}

	cmd.Flags().StringSliceVar(&presets, "preset", nil, "File-type preset for a new folder (repeatable)")
	cmd.Flags().BoolVar(&full, "full", false, "Rebuild every document instead of only changed files")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "Descend into subdirectories for a new folder")
	return cmd
}
