package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semkb/semkb/internal/qa"
)

func newListCmd() *cobra.Command {
	var (
		category      string
		minConfidence float64
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List QA pairs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			pairs, err := mgr.List(qa.ListFilter{
				Category:      category,
				MinConfidence: minConfidence,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pairs)
			}

			if len(pairs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pairs")
				return nil
			}
			for _, p := range pairs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  (%s, conf %.2f)\n  Q: %s\n  A: %s\n",
					p.ID, p.Category, p.Confidence, p.Question, p.Answer)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Filter by category")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Filter by minimum confidence")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
