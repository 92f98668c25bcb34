// Package cli implements the icm command-line surface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/embedding"
	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/store"
)

var (
	dbFlag     string
	configFlag string

	cfg *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "icm",
	Short:         "Infinite Context Memory: persistent memory for AI agents",
	Long:          "ICM stores observations as decaying episodic memories and permanent concept graphs, and serves them back over a CLI and an MCP tool server.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configFlag != "" {
			cfg, err = config.LoadFile(configFlag)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		setupLogging(cfg.Logging)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "database path (default: $ICM_DB, [store] path, or icm/memory.db under the user config dir)")
	RootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default: $ICM_CONFIG or ~/.config/icm/config.toml)")
}

func setupLogging(lc config.LoggingConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.DBPath(dbFlag), store.Options{
		DecayRate:        cfg.Memory.DecayRate,
		DecayMultipliers: cfg.Memory.DecayMultipliers,
		BM25Weight:       cfg.Retriever.BM25Weight,
		VectorWeight:     cfg.Retriever.VectorWeight,
		RerankCandidates: cfg.Retriever.RerankCandidates,
	})
}

func newEmbedder() (embedding.Embedder, error) {
	return embedding.New(cfg.Embedder)
}

// Execute runs the CLI and returns the process exit code per the taxonomy.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		slog.Error(err.Error(), "kind", string(icmerr.KindOf(err)))
		return icmerr.ExitCode(err)
	}
	return 0
}
