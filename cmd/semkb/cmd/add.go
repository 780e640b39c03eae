package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/semkb/semkb/internal/manager"
	"github.com/semkb/semkb/internal/qa"
)

func newAddCmd() *cobra.Command {
	var (
		category     string
		confidence   float64
		keywords     []string
		source       string
		skipDupCheck bool
		batchFile    string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "add [question] [answer]",
		Short: "Add a QA pair to the knowledge base",
		Long: `Add a question/answer pair. A question too similar to an existing one
is skipped as a duplicate; the existing pair's id is reported instead.

With --batch, reads one JSON object per line from the file:
  {"question": "...", "answer": "...", "category": "..."}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if batchFile != "" {
				return runAddBatch(cmd, mgr, batchFile, jsonOutput)
			}

			if len(args) != 2 {
				return fmt.Errorf("expected question and answer arguments (or --batch)")
			}

			opts := qa.AddOptions{
				Category:           category,
				Keywords:           keywords,
				Source:             source,
				SkipDuplicateCheck: skipDupCheck,
			}
			if cmd.Flags().Changed("confidence") {
				opts.Confidence = &confidence
			}

			res, err := mgr.Add(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if res.Duplicate {
				fmt.Fprintf(cmd.OutOrStdout(), "Duplicate of %s (similarity %.3f), not added\n",
					res.ExistingID, res.Similarity)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", res.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Category (default: general)")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "Confidence score in [0,1]")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "Comma-separated keywords")
	cmd.Flags().StringVar(&source, "source", "", "Source attribution")
	cmd.Flags().BoolVar(&skipDupCheck, "skip-dup-check", false, "Skip duplicate detection")
	cmd.Flags().StringVar(&batchFile, "batch", "", "JSON-lines file of pairs to add")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// batchLine is the JSON-lines input format for --batch.
type batchLine struct {
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Category   string   `json:"category,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Source     string   `json:"source,omitempty"`
}

func runAddBatch(cmd *cobra.Command, mgr *manager.Manager, path string, jsonOutput bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	var items []qa.BatchItem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var bl batchLine
		if err := json.Unmarshal([]byte(line), &bl); err != nil {
			return fmt.Errorf("parse line %d: %w", lineNo, err)
		}
		items = append(items, qa.BatchItem{
			Question: bl.Question,
			Answer:   bl.Answer,
			Options: qa.AddOptions{
				Category:   bl.Category,
				Confidence: bl.Confidence,
				Keywords:   bl.Keywords,
				Source:     bl.Source,
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}

	res, err := mgr.AddBatch(cmd.Context(), items)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %d, skipped %d duplicates, %d failed\n",
		res.AddedCount(), res.SkippedCount(), res.FailedCount())
	for _, f := range res.Failed {
		fmt.Fprintf(cmd.OutOrStdout(), "  item %d (%s): %s\n", f.Index, f.Category, f.Reason)
	}
	return nil
}
