package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a memory",
		Long:  "Store a memory under a topic. Content can be a positional arg or piped via stdin.",
		RunE:  runStore,
	}

	cmd.Flags().StringP("topic", "p", "", "Topic (required)")
	cmd.Flags().StringP("importance", "i", "", "Importance: critical, high, medium, low")
	cmd.Flags().StringP("keywords", "k", "", "Comma-separated keywords")
	cmd.Flags().String("raw", "", "Verbatim excerpt preserved alongside the summary")
	cmd.MarkFlagRequired("topic")

	RootCmd.AddCommand(cmd)
}

func runStore(cmd *cobra.Command, args []string) error {
	topic, _ := cmd.Flags().GetString("topic")
	importanceStr, _ := cmd.Flags().GetString("importance")
	keywordsStr, _ := cmd.Flags().GetString("keywords")
	raw, _ := cmd.Flags().GetString("raw")

	content := strings.Join(args, " ")
	if content == "" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return icmerr.Wrap(icmerr.StorageFailure, err, "read stdin")
			}
			content = string(b)
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return icmerr.E(icmerr.InvalidInput, "content is required (positional arg or stdin)")
	}

	if importanceStr == "" {
		importanceStr = cfg.Memory.DefaultImportance
	}
	importance, err := model.ParseImportance(importanceStr)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	m := model.NewMemory(topic, content, importance)
	m.RawExcerpt = raw
	m.Keywords = splitCSV(keywordsStr)

	if emb, err := newEmbedder(); err != nil {
		return err
	} else if emb != nil {
		vec, err := emb.Embed(cmd.Context(), topic+" "+content)
		switch {
		case err == nil:
			m.Embedding = vec
		case cfg.Embedder.Policy == "embed-required":
			return err
		default:
			slog.Warn("embedding failed, storing without vector", "error", err)
		}
	}

	id, err := s.Put(cmd.Context(), m)
	if err != nil {
		return err
	}
	fmt.Printf("Stored: %s\n", id)
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
