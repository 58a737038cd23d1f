package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client talks to the daemon's control socket, initialized in
	// PersistentPreRunE.
	client *ctlClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// socketPath is the control socket path configured on the daemon side
	// (config.ControlConfig.SocketPath).
	socketPath string
)

// rootCmd is the top-level cobra command for ovsdb-serverctl.
var rootCmd = &cobra.Command{
	Use:   "ovsdb-serverctl",
	Short: "CLI client for the ovsdb-server daemon",
	Long:  "ovsdb-serverctl talks to the ovsdb-server daemon over its Unix control socket to manage remotes and databases.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newCtlClient(socketPath)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/ovsdb-server.ctl",
		"ovsdb-server control socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(dbsCmd())
	rootCmd.AddCommand(remotesCmd())
	rootCmd.AddCommand(compactCmd())
	rootCmd.AddCommand(reconnectCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
