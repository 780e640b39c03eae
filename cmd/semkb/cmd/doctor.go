package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the knowledge base",
		Long: `Check that the storage path is usable, the embedding provider answers,
and the loaded stores are internally consistent.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			health := mgr.Health(cmd.Context())
			problems, err := mgr.CheckIntegrity()
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Health    any                 `json:"health"`
					Integrity map[string][]string `json:"integrity_problems"`
				}{health, problems}); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Status:     %s\n", health.Status)
				fmt.Fprintf(w, "Provider:   %s (%s, %d dims)\n", health.Provider, health.Model, health.Dimensions)
				fmt.Fprintf(w, "Categories: %d\n", health.Categories)
				fmt.Fprintf(w, "Pairs:      %d\n", health.TotalPairs)
				if health.ProviderErr != "" {
					fmt.Fprintf(w, "Provider error: %s\n", health.ProviderErr)
				}
				if len(problems) == 0 {
					fmt.Fprintln(w, "Integrity:  ok")
				}
				for cat, ids := range problems {
					fmt.Fprintf(w, "Integrity:  category %s has %d inconsistent entries\n", cat, len(ids))
				}
			}

			if health.Status != "healthy" {
				return fmt.Errorf("knowledge base is %s", health.Status)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d categories have index inconsistencies", len(problems))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
