package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate <topic>",
		Short: "Merge all memories of a topic into one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetBool("keep-originals")

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Consolidate(cmd.Context(), args[0], keep)
			if err != nil {
				return err
			}
			if keep {
				fmt.Printf("Consolidated %d memories from %q into %s (originals kept).\n",
					res.AbsorbedCount, args[0], res.NewID)
			} else {
				fmt.Printf("Consolidated %d memories from %q into %s.\n",
					res.AbsorbedCount, args[0], res.NewID)
			}
			return nil
		},
	}
	cmd.Flags().Bool("keep-originals", false, "Keep the absorbed memories")
	RootCmd.AddCommand(cmd)
}
