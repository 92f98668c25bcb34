package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List topics with memory counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			topics, err := s.Topics(cmd.Context())
			if err != nil {
				return err
			}
			if len(topics) == 0 {
				fmt.Println("No topics yet.")
				return nil
			}

			fmt.Printf("%-30s Count\n", "Topic")
			fmt.Println(strings.Repeat("-", 40))
			for _, t := range topics {
				fmt.Printf("%-30s %d\n", t.Topic, t.Count)
			}
			return nil
		},
	}
	RootCmd.AddCommand(cmd)
}
