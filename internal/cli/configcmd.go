package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/icmerr"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if configFlag != "" {
				path = configFlag
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("Config file: %s (loaded)\n", path)
			} else {
				fmt.Printf("Config file: %s (not found, using defaults)\n", path)
			}
			fmt.Printf("Database:    %s\n", cfg.DBPath(dbFlag))
			fmt.Printf("Embedder:    %s", cfg.Embedder.Type)
			if cfg.Embedder.Type != "none" {
				fmt.Printf(" (%s, %d dims)", cfg.Embedder.Model, cfg.Embedder.Dimensions)
			}
			fmt.Println()
			fmt.Printf("Decay rate:  %.2f/day, prune below %.2f\n",
				cfg.Memory.DecayRate, cfg.Memory.PruneThreshold)
			fmt.Printf("Retriever:   bm25=%.2f vector=%.2f candidates=%d\n",
				cfg.Retriever.BM25Weight, cfg.Retriever.VectorWeight, cfg.Retriever.RerankCandidates)
			fmt.Printf("Server:      %s %s:%d\n", cfg.Server.Transport, cfg.Server.Host, cfg.Server.Port)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path()
			if configFlag != "" {
				path = configFlag
			}
			if _, err := os.Stat(path); err == nil {
				return icmerr.E(icmerr.Conflict, "config already exists: %s", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return icmerr.Wrap(icmerr.StorageFailure, err, "create config dir")
			}
			if err := os.WriteFile(path, []byte(config.DefaultTOML), 0o644); err != nil {
				return icmerr.Wrap(icmerr.StorageFailure, errors.Wrap(err, "write config"), "init config")
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Validate the configuration end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return errors.Wrap(err, "store check failed")
			}
			defer s.Close()
			if _, err := s.Stats(cmd.Context()); err != nil {
				return errors.Wrap(err, "store check failed")
			}
			fmt.Println("store: ok")

			emb, err := newEmbedder()
			if err != nil {
				return err
			}
			if emb == nil {
				fmt.Println("embedder: disabled")
				return nil
			}
			if _, err := emb.Embed(cmd.Context(), "icm config test"); err != nil {
				return errors.Wrap(err, "embedder check failed")
			}
			fmt.Println("embedder: ok")
			return nil
		},
	}

	configCmd.AddCommand(showCmd, initCmd, testCmd)
	RootCmd.AddCommand(configCmd)
}
