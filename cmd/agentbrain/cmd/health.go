package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show instance health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			health, err := svc.Health(cmd.Context())
			if err != nil {
				return err
			}
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(health)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:   %s (ready=%v)\n", health.Backend, health.BackendReady)
			fmt.Fprintf(out, "Documents: %d\n", health.Documents)
			fmt.Fprintf(out, "Folders:   %d\n", health.Folders)
			fmt.Fprintf(out, "Embedder:  available=%v\n", health.EmbedderAvailable)
			fmt.Fprintf(out, "Jobs:      %d pending", health.QueueDepth)
			if health.RunningJob != nil {
				fmt.Fprintf(out, ", running %s (%s)", health.RunningJob.ID, health.RunningJob.Type)
			}
			fmt.Fprintln(out)
			if health.EmbeddingMetadata != nil {
				fmt.Fprintf(out, "Model:     %s/%s (%d dimensions)\n",
					health.EmbeddingMetadata.Provider,
					health.EmbeddingMetadata.Model,
					health.EmbeddingMetadata.Dimensions)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}
