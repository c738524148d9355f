package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/internal/preset"
)

func newPresetsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List file-type presets usable with 'folders add --preset'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := preset.Names()
			if format == "json" {
				out := make(map[string][]string, len(names))
				for _, name := range names {
					patterns, _ := preset.Patterns(name)
					out[name] = patterns
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			for _, name := range names {
				patterns, _ := preset.Patterns(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, strings.Join(patterns, " "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}
