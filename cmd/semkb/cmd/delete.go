package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete QA pairs by id, or a whole category",
		Long: `Delete pairs by id. Unknown ids are ignored.

With --category and no ids, the whole category is removed including its
on-disk files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && category == "" {
				return fmt.Errorf("provide pair ids or --category")
			}

			mgr, cleanup, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 0 {
				if err := mgr.DeleteCategory(cmd.Context(), category); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted category %s\n", category)
				return nil
			}

			removed, err := mgr.Delete(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d\n", removed, len(args))
			return nil
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Delete this whole category")

	return cmd
}
