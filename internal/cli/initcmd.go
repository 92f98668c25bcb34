package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/config"
	"github.com/icm-sh/icm/internal/icmerr"
)

func init() {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.Path()
			if configFlag != "" {
				cfgPath = configFlag
			}
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
					return icmerr.Wrap(icmerr.StorageFailure, err, "create config dir")
				}
				if err := os.WriteFile(cfgPath, []byte(config.DefaultTOML), 0o644); err != nil {
					return icmerr.Wrap(icmerr.StorageFailure, err, "write config")
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Printf("Database ready at %s\n", cfg.DBPath(dbFlag))
			return nil
		},
	}
	RootCmd.AddCommand(cmd)
}
