package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

// shellCmd launches an interactive REPL over the same command tree used
// one-shot from the shell, via reeflective/console (the library the
// teacher's go.mod already depends on for exactly this purpose).
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive ovsdb-serverctl shell",
		Long:  "Launches a REPL that accepts ovsdb-serverctl subcommands against the same control socket. Type 'help' or press Ctrl-D to leave.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("ovsdb-serverctl")
			menu := app.ActiveMenu()
			menu.SetCommands(func() *cobra.Command {
				return rootCmd
			})

			if err := app.Start(); err != nil {
				return fmt.Errorf("start interactive shell: %w", err)
			}
			return nil
		},
	}
}
