// The fastintercom command keeps a local cache of Intercom
// conversations and serves it to MCP clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

var flags struct {
	configDir string
	verbose   bool
	trace     bool
}

var rootCmd = &cobra.Command{
	Use:   "fastintercom",
	Short: "Local cache and MCP server for Intercom conversations",
	Long: `fastintercom syncs Intercom conversations into a local SQLite
database and answers questions about them over the Model Context
Protocol, either on stdio or over HTTP.

Quick start:
  fastintercom init --token <token>   # save credentials, sync history
  fastintercom mcp                    # serve MCP on stdio
  fastintercom serve                  # serve MCP over HTTP`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default $FASTINTERCOM_CONFIG_DIR or ~/.fastintercom)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	rootCmd.PersistentFlags().BoolVarP(&flags.trace, "trace", "T", false, "request debug tracing")
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(initCmd, syncCmd, statusCmd, serveCmd, mcpCmd, resetCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
