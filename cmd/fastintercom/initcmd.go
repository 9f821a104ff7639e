package main

import (
	"fmt"

	"github.com/matta/fastintercom/internal/sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var initFlags struct {
	token  string
	days   int
	noSync bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Save Intercom credentials and sync conversation history",
	Long: `init checks the access token against Intercom, writes config.json in
the configuration directory and runs the initial sync.

--days 0 syncs all history.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFlags.token, "token", "", "Intercom access token (default $INTERCOM_ACCESS_TOKEN)")
	initCmd.Flags().IntVar(&initFlags.days, "days", 7, "days of history to sync, 0 for all")
	initCmd.Flags().BoolVar(&initFlags.noSync, "no-sync", false, "save the configuration without syncing")
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if initFlags.token != "" {
		cfg.IntercomToken = initFlags.token
	}
	if initFlags.days < 0 {
		return errors.Errorf("--days must not be negative, got %d", initFlags.days)
	}
	cfg.InitialSyncDays = initFlags.days

	a, err := newApp(ctx, cfg, appOptions{requireToken: true, policy: sync.Wait})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if err := a.client.TestConnection(ctx); err != nil {
		return errors.Wrap(err, "unable to connect to Intercom")
	}
	fmt.Fprintln(out, successStyle.Render("Connected to Intercom"))
	if appID, err := a.client.AppID(ctx); err == nil {
		fmt.Fprintf(out, "App ID: %s\n", appID)
	}

	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Configuration saved in %s\n", cfg.ConfigDir)
	fmt.Fprintf(out, "Database at %s\n", cfg.DatabasePath)
	if initFlags.noSync {
		return nil
	}

	what := fmt.Sprintf("%d days", initFlags.days)
	if initFlags.days == 0 {
		what = "all"
	}
	fmt.Fprintf(out, "Syncing %s of conversation history...\n", what)
	done, err := progressBar(a.svc, "Initial sync")
	if err != nil {
		return err
	}
	st, err := a.svc.SyncInitial(ctx, initFlags.days)
	done()
	if err != nil {
		fmt.Fprintln(out, errorStyle.Render("Initial sync failed; retry with 'fastintercom sync'"))
		return err
	}
	fmt.Fprintln(out, successStyle.Render("Initial sync completed"))
	fmt.Fprintf(out, "  %s conversations\n", humanize.Comma(int64(st.Total)))
	fmt.Fprintf(out, "  %s messages\n", humanize.Comma(int64(st.Messages)))
	fmt.Fprintf(out, "  %.1f seconds\n", st.Duration.Seconds())
	return nil
}
