package main

import (
	"context"
	stdsync "sync"

	"github.com/matta/fastintercom/internal/httpserver"
	"github.com/matta/fastintercom/internal/sync"

	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr         string
	apiKey       string
	noBackground bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over HTTP",
	Long: `serve answers MCP requests over HTTP at /mcp and exposes the tools at
/tools.  Every endpoint except / and /health requires the API key as a
bearer token; without one configured a key is generated and logged.

Unless --no-background is given, conversations are synced in the
background.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP on stdin and stdout",
	Long: `mcp runs an MCP server on stdin and stdout for clients that start it as
a subprocess.  Logs go only to the log file.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "http-addr", "", "listen address (default $FASTINTERCOM_HTTP_ADDR or 127.0.0.1:8000)")
	serveCmd.Flags().StringVar(&serveFlags.apiKey, "api-key", "", "API key clients must present (default $FASTINTERCOM_API_KEY)")
	serveCmd.Flags().BoolVar(&serveFlags.noBackground, "no-background", false, "do not sync in the background")
	mcpCmd.Flags().BoolVar(&serveFlags.noBackground, "no-background", false, "do not sync in the background")
}

// withBackground runs fn while a's scheduler syncs in the background,
// and waits for the scheduler to stop.
func withBackground(ctx context.Context, a *app, enabled bool, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg stdsync.WaitGroup
	if enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.background(ctx)
		}()
	}
	err := fn(ctx)
	cancel()
	wg.Wait()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{
		requireToken: true,
		stderr:       true,
		policy:       sync.Reject,
		daysCap:      autoInitialDays,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := httpserver.New(a.mcpServer(), a.db,
		httpserver.WithAPIKey(cfg.APIKey),
		httpserver.WithLogger(a.log),
		httpserver.WithVersion(version),
	)
	return withBackground(ctx, a, !serveFlags.noBackground, func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.HTTPAddr)
	})
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{
		requireToken: true,
		policy:       sync.Reject,
		daysCap:      autoInitialDays,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	return withBackground(ctx, a, !serveFlags.noBackground, a.mcpServer().ServeStdio)
}
