package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	var (
		category      string
		topK          int
		minSimilarity float64
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Retrieve the most similar QA pairs",
		Long: `Search the knowledge base for questions similar to the given one.
Without --category the search spans all categories.

Finding nothing is a normal outcome; the nearest observed similarity is
still reported so thresholds can be tuned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := mgr.Query(cmd.Context(), args[0], topK, minSimilarity, category)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if !res.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "No match (best similarity %.3f)\n", res.BestSimilarity)
				return nil
			}

			for i, m := range res.Matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. [%.3f] (%s) %s\n   %s\n",
					i+1, m.Similarity, m.Pair.Category, m.Pair.Question, m.Pair.Answer)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Restrict search to one category")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Max results (default from config)")
	cmd.Flags().Float64Var(&minSimilarity, "min-similarity", -1, "Similarity threshold (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
