package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/internal/query"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// queryOptions holds CLI flags for query.
type queryOptions struct {
	mode      string
	topK      int
	threshold float64
	format    string
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search indexed folders",
		Long: `Search indexed folders.

Modes:
  keyword  lexical match only
  vector   embedding similarity only
  hybrid   both signals fused with reciprocal rank fusion (default)
  multi    keyword, vector, and hybrid fused together

Examples:
  agent-brain query "session validation"
  agent-brain query "handleRequest" --mode keyword --top-k 5
  agent-brain query "retry semantics" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := bootService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := svc.Query(cmd.Context(), query.Request{
				Query:     strings.Join(args, " "),
				Mode:      query.Mode(opts.mode),
				TopK:      opts.topK,
				Threshold: opts.threshold,
			})
			if err != nil {
				return err
			}
			return printResponse(cmd, resp, opts.format)
		},
	}

	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "hybrid", "Query mode: keyword, vector, hybrid, multi")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 10, "Maximum number of results")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Minimum similarity score for vector mode")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	return cmd
}

// queryOutput is the JSON shape of a query response.
type queryOutput struct {
	Mode           string        `json:"mode"`
	Results        []queryResult `json:"results"`
	OmittedSignals []string      `json:"omitted_signals,omitempty"`
	Reranked       bool          `json:"reranked,omitempty"`
	Cached         bool          `json:"cached,omitempty"`
	ElapsedMS      int64         `json:"elapsed_ms"`
}

type queryResult struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"`
	Score        float64  `json:"score"`
	RerankScore  float64  `json:"rerank_score,omitempty"`
	OriginalRank int      `json:"original_rank,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
	Text         string   `json:"text"`
}

func printResponse(cmd *cobra.Command, resp *query.Response, format string) error {
	if format == "json" {
		out := queryOutput{
			Mode:           string(resp.Mode),
			Results:        make([]queryResult, 0, len(resp.Results)),
			OmittedSignals: resp.OmittedSignals,
			Reranked:       resp.Reranked,
			Cached:         resp.Cached,
			ElapsedMS:      resp.Elapsed.Milliseconds(),
		}
		for _, r := range resp.Results {
			out.Results = append(out.Results, queryResult{
				ID:           r.ID,
				Path:         r.Metadata[store.MetaSourcePath],
				Score:        r.Score,
				RerankScore:  r.RerankScore,
				OriginalRank: r.OriginalRank,
				Summary:      r.Metadata[store.MetaSummary],
				MatchedTerms: r.MatchedTerms,
				Text:         r.Text,
			})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results.")
		return nil
	}
	for i, r := range resp.Results {
		path := r.Metadata[store.MetaSourcePath]
		fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s  (score %.3f)\n", i+1, path, r.Score)
		if summary := r.Metadata[store.MetaSummary]; summary != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", summary)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", excerpt(r.Text, 160))
	}
	if len(resp.OmittedSignals) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n(signals omitted: %s)\n", strings.Join(resp.OmittedSignals, ", "))
	}
	return nil
}

// excerpt returns the first line of text, truncated to max runes.
func excerpt(text string, max int) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	runes := []rune(line)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return line
}
