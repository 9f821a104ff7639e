package main

import (
	"fmt"
	"time"

	"github.com/matta/fastintercom/internal/persist"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	successStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214")).
		Bold(true)

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)

	sectionStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("62")).
		Bold(true).
		Underline(true)

	labelStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Width(16)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the local cache holds",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.db.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to read status")
	}
	run, err := a.db.LastSyncRun(ctx)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return errors.Wrap(err, "unable to read last sync run")
	}

	out := cmd.OutOrStdout()
	row := func(label, value string) {
		fmt.Fprintln(out, labelStyle.Render(label)+value)
	}
	fmt.Fprintln(out, sectionStyle.Render("FastIntercom"))
	row("Config", cfg.ConfigDir)
	row("Database", fmt.Sprintf("%s (%s)", st.Path, humanize.Bytes(uint64(st.SizeBytes))))
	row("Conversations", humanize.Comma(int64(st.Conversations)))
	row("Messages", humanize.Comma(int64(st.Messages)))
	if st.LastSync.IsZero() {
		row("Last sync", warningStyle.Render("never"))
	} else {
		row("Last sync", humanize.Time(st.LastSync))
	}
	if cfg.IntercomToken == "" {
		row("Token", errorStyle.Render("not configured, run 'fastintercom init'"))
	}

	if run != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, sectionStyle.Render("Last sync run"))
		status := successStyle.Render(run.Status)
		if run.Status == persist.RunFailed {
			status = errorStyle.Render(run.Status)
		}
		row("Status", status)
		row("Kind", run.Kind)
		row("Started", humanize.Time(run.StartedAt))
		row("Conversations", humanize.Comma(int64(run.Conversations)))
		if run.Errors > 0 {
			row("Errors", warningStyle.Render(fmt.Sprint(run.Errors)))
		}
		if run.ErrorMessage != "" {
			row("Error", run.ErrorMessage)
		}
	}

	if len(st.RecentPeriods) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, sectionStyle.Render("Recent sync periods"))
		for _, p := range st.RecentPeriods {
			start := "beginning"
			if !p.Start.IsZero() {
				start = p.Start.Local().Format(time.DateTime)
			}
			fmt.Fprintf(out, "  %s to %s: %s conversations, synced %s\n",
				start, p.End.Local().Format(time.DateTime),
				humanize.Comma(int64(p.Conversations)), humanize.Time(p.LastSynced))
		}
	}
	return nil
}
