package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/mcp"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP tool server",
		Long:  "Serve the 16 ICM tools over JSON-RPC 2.0, framed on stdio (default) or HTTP.",
		RunE:  runServe,
	}
	cmd.Flags().String("transport", "", "Transport: stdio or http (default from config)")
	cmd.Flags().Int("port", 0, "HTTP port (default from config)")
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	if transport == "" {
		transport = cfg.Server.Transport
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	emb, err := newEmbedder()
	if err != nil {
		return err
	}

	d := mcp.NewDispatcher(mcp.NewHandler(s, emb, cfg.Embedder.Policy), cfg.Server.Instructions)

	switch transport {
	case "stdio":
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		return d.ServeStdio(cmd.Context(), os.Stdin, out)
	case "http":
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		return d.ServeHTTP(cmd.Context(), addr)
	default:
		return icmerr.E(icmerr.InvalidInput, "invalid transport: %q (stdio or http)", transport)
	}
}
