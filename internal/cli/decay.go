package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	decayCmd := &cobra.Command{
		Use:   "decay",
		Short: "Apply weight decay",
		Long:  "Apply one decay tick. With --factor the given per-tick rate is used; otherwise the time elapsed since the last decay drives the continuous rule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var affected int
			if cmd.Flags().Changed("factor") {
				factor, _ := cmd.Flags().GetFloat64("factor")
				affected, err = s.ApplyDecay(cmd.Context(), factor)
			} else {
				affected, err = s.ApplyTimeDecay(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Printf("Decay applied to %d memories.\n", affected)
			return nil
		},
	}
	decayCmd.Flags().Float64("factor", 0.95, "Per-tick decay factor")

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete memories whose weight fell below the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if !cmd.Flags().Changed("threshold") {
				threshold = cfg.Memory.PruneThreshold
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Prune(cmd.Context(), threshold, dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("Would prune %d memories (threshold=%.2f).\n", n, threshold)
			} else {
				fmt.Printf("Pruned %d memories (threshold=%.2f).\n", n, threshold)
			}
			return nil
		},
	}
	pruneCmd.Flags().Float64("threshold", 0.1, "Weight threshold")
	pruneCmd.Flags().Bool("dry-run", false, "Only count, do not delete")

	RootCmd.AddCommand(decayCmd, pruneCmd)
}
