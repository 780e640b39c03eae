package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/semkb/semkb/internal/lockmgr"
	"github.com/semkb/semkb/internal/qa"
	"github.com/semkb/semkb/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage, lock, and telemetry statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := mgr.Stats()
			if err != nil {
				return err
			}

			out := statsOutput{
				Storage:   stats,
				Locks:     mgr.LockStats(),
				Telemetry: mgr.Metrics(),
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Total pairs: %d\n", stats.TotalPairs)

			names := make([]string, 0, len(stats.Categories))
			for name := range stats.Categories {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cs := stats.Categories[name]
				fmt.Fprintf(w, "  %-20s %5d pairs, %5d vectors\n", name, cs.PairCount, cs.IndexEntries)
			}

			fmt.Fprintf(w, "Lock acquisitions: %d (cancelled %d)\n",
				out.Locks.Acquisitions, out.Locks.Cancellations)
			fmt.Fprintf(w, "Operations: %d (duplicates %d, zero-result %.1f%%)\n",
				out.Telemetry.TotalOperations, out.Telemetry.DuplicateCount,
				out.Telemetry.ZeroResultPercentage())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// statsOutput is the JSON output format for the stats command.
type statsOutput struct {
	Storage   *qa.RouterStats     `json:"storage"`
	Locks     lockmgr.Stats       `json:"locks"`
	Telemetry *telemetry.Snapshot `json:"telemetry"`
}
