package main

import (
	"fmt"
	"os"
	"time"

	"github.com/matta/fastintercom/internal/sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var syncFlags struct {
	force bool
	days  int
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch new and changed conversations from Intercom",
	Long: `sync fetches conversations active since the last sync.  With --days
it syncs the last N days instead, and with --force it refetches them
even when the local copy is current.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFlags.force, "force", false, "refetch conversations even if cached")
	syncCmd.Flags().IntVar(&syncFlags.days, "days", 0, "sync the last N days (default: since the last sync; 1 with --force)")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if syncFlags.days < 0 {
		return errors.Errorf("--days must not be negative, got %d", syncFlags.days)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{requireToken: true, policy: sync.Wait})
	if err != nil {
		return err
	}
	defer a.Close()

	done, err := progressBar(a.svc, "Syncing")
	if err != nil {
		return err
	}
	var st sync.Stats
	switch {
	case syncFlags.force:
		days := syncFlags.days
		if days == 0 {
			days = 1
		}
		st, err = a.svc.ForceSync(ctx, days)
	case syncFlags.days > 0:
		now := time.Now()
		st, err = a.svc.SyncPeriod(ctx, now.AddDate(0, 0, -syncFlags.days), now, nil)
	default:
		st, err = a.svc.SyncRecent(ctx)
	}
	done()
	if err != nil {
		return errors.Wrap(err, "unable to synchronize")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, successStyle.Render("Sync completed"))
	fmt.Fprintf(out, "  %s conversations (%s new, %s updated)\n",
		humanize.Comma(int64(st.Total)), humanize.Comma(int64(st.New)), humanize.Comma(int64(st.Updated)))
	fmt.Fprintf(out, "  %s messages\n", humanize.Comma(int64(st.Messages)))
	if st.Skipped > 0 {
		fmt.Fprintf(out, "  %s unchanged\n", humanize.Comma(int64(st.Skipped)))
	}
	if st.Errors > 0 {
		fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("  %d conversations could not be fetched", st.Errors)))
	}
	fmt.Fprintf(out, "  %d API calls in %.1f seconds\n", st.APICalls, st.Duration.Seconds())
	return nil
}

// progressBar draws the progress of every sync svc runs until the
// returned function is called.
func progressBar(svc *sync.Service, title string) (done func(), err error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(title),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSpinnerType(8),
	)
	remove, err := svc.AddProgressCallback(sync.CountFunc(func(current, total int, elapsed float64) {
		if total > 0 {
			bar.ChangeMax(total)
		}
		_ = bar.Set(current)
	}))
	if err != nil {
		return nil, err
	}
	return func() {
		remove()
		_ = bar.Finish()
	}, nil
}
