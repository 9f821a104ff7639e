package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var resetFlags struct {
	yes bool
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all locally cached conversations",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetFlags.yes, "yes", "y", false, "do not ask for confirmation")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !resetFlags.yes {
		fmt.Fprintf(out, "Delete every conversation cached in %s? [y/N] ", cfg.DatabasePath)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.db.Reset(ctx); err != nil {
		return errors.Wrap(err, "unable to reset database")
	}
	fmt.Fprintln(out, successStyle.Render("Local data deleted"))
	return nil
}
