package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memories by meaning or keyword",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRecall,
	}

	cmd.Flags().StringP("topic", "p", "", "Filter by topic")
	cmd.Flags().StringP("keyword", "k", "", "Filter by keyword substring")
	cmd.Flags().IntP("limit", "l", 5, "Max results")
	cmd.Flags().Float64("min-weight", 0, "Minimum weight")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	keyword, _ := cmd.Flags().GetString("keyword")
	limit, _ := cmd.Flags().GetInt("limit")
	minWeight, _ := cmd.Flags().GetFloat64("min-weight")
	query := strings.Join(args, " ")

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p := store.RecallParams{
		Query:     query,
		Topic:     topic,
		Keyword:   keyword,
		MinWeight: minWeight,
		Limit:     limit,
	}
	if emb, err := newEmbedder(); err != nil {
		return err
	} else if emb != nil {
		if vec, err := emb.Embed(cmd.Context(), query); err != nil {
			slog.Warn("query embedding failed, falling back to lexical recall", "error", err)
		} else {
			p.QueryEmbedding = vec
		}
	}

	results, err := s.Recall(cmd.Context(), p)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No memories found.")
		return nil
	}

	for _, r := range results {
		printScoredMemory(&r.Memory, r.Score)
	}
	return nil
}
