package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/mcp"
)

func init() {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Backfill embeddings for memories without one",
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			force, _ := cmd.Flags().GetBool("force")

			emb, err := newEmbedder()
			if err != nil {
				return err
			}
			if emb == nil {
				return icmerr.E(icmerr.Unavailable, "no embedder configured (set [embedder] type in config)")
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			embedded, skipped, err := mcp.EmbedAll(cmd.Context(), s, emb, topic, force)
			if err != nil {
				return err
			}
			fmt.Printf("Embedded %d memories (%d already had vectors).\n", embedded, skipped)
			return nil
		},
	}
	cmd.Flags().StringP("topic", "p", "", "Only embed memories in this topic")
	cmd.Flags().Bool("force", false, "Re-embed memories that already have a vector")
	RootCmd.AddCommand(cmd)
}
