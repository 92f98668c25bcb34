package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Memories:   %d\n", st.TotalMemories)
			fmt.Printf("Topics:     %d\n", st.TotalTopics)
			fmt.Printf("Avg weight: %.3f\n", st.AvgWeight)
			if st.Oldest != nil {
				fmt.Printf("Oldest:     %s\n", st.Oldest.Format("2006-01-02 15:04"))
			}
			if st.Newest != nil {
				fmt.Printf("Newest:     %s\n", st.Newest.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	RootCmd.AddCommand(cmd)
}
