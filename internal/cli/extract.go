package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/extract"
	"github.com/icm-sh/icm/internal/icmerr"
)

func init() {
	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract facts from text into memories",
		Long:  "Rule-based extraction (no LLM): scores sentences by keyword categories and stores the survivors as memories.",
		RunE:  runExtract,
	}
	extractCmd.Flags().StringP("topic", "p", "", "Target topic (required)")
	extractCmd.Flags().StringP("text", "t", "", "Text to extract from (default: stdin)")
	extractCmd.Flags().Bool("dry-run", false, "Show what would be extracted without storing")
	extractCmd.MarkFlagRequired("topic")

	contextCmd := &cobra.Command{
		Use:   "recall-context <query>",
		Short: "Format relevant memories as a context preamble",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRecallContext,
	}
	contextCmd.Flags().IntP("limit", "l", 0, "Max memories to inject (default from config)")

	RootCmd.AddCommand(extractCmd, contextCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	if !cfg.Extraction.Enabled {
		return icmerr.E(icmerr.InvalidInput, "extraction is disabled in config")
	}
	topic, _ := cmd.Flags().GetString("topic")
	text, _ := cmd.Flags().GetString("text")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if text == "" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return icmerr.Wrap(icmerr.StorageFailure, err, "read stdin")
		}
		text = string(b)
	}

	ex := extract.New(cfg.Extraction)

	if dryRun {
		facts := ex.Extract(text)
		if len(facts) == 0 {
			fmt.Println("No facts extracted.")
			return nil
		}
		fmt.Printf("Would extract %d facts:\n", len(facts))
		for _, f := range facts {
			fmt.Printf("  [%s] (%.1f) %s\n", f.Importance, f.Score, f.Content)
		}
		return nil
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := ex.ExtractAndStore(cmd.Context(), s, text, topic)
	if err != nil {
		return err
	}
	fmt.Printf("Extracted and stored %d facts.\n", len(ids))
	return nil
}

func runRecallContext(cmd *cobra.Command, args []string) error {
	if !cfg.Recall.Enabled {
		return nil
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = cfg.Recall.Limit
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	query := args[0]
	if len(args) > 1 {
		for _, a := range args[1:] {
			query += " " + a
		}
	}

	preamble, err := extract.FormatContext(cmd.Context(), s, query, limit)
	if err != nil {
		return err
	}
	if preamble == "" {
		fmt.Fprintln(os.Stderr, "No relevant context found.")
		return nil
	}
	fmt.Print(preamble)
	return nil
}
