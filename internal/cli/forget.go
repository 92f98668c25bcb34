package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/icmerr"
)

func init() {
	cmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Delete a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			deleted, err := s.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return icmerr.E(icmerr.NotFound, "memory not found: %s", args[0])
			}
			fmt.Printf("Deleted: %s\n", args[0])
			return nil
		},
	}
	RootCmd.AddCommand(cmd)
}
