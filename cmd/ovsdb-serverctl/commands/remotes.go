package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func remotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-remotes",
		Short: "List every remote the daemon is configured to listen on or connect to",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			names, err := client.sendList("list-remotes")
			if err != nil {
				return fmt.Errorf("list remotes: %w", err)
			}
			out, err := formatNames("REMOTE", names, outputFormat)
			if err != nil {
				return fmt.Errorf("format remotes: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.AddCommand(addRemoteCmd())
	cmd.AddCommand(removeRemoteCmd())
	return cmd
}

func addRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-remote <name>",
		Short: "Open a new remote (ptcp:, punix:, tcp:, unix:, ssl:, pssl:, or db:DB,TABLE,COLUMN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := client.send("add-remote " + args[0]); err != nil {
				return fmt.Errorf("add remote %q: %w", args[0], err)
			}
			fmt.Printf("Remote %q added.\n", args[0])
			return nil
		},
	}
}

func removeRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-remote <name>",
		Short: "Close a remote, tearing down every session it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := client.send("remove-remote " + args[0]); err != nil {
				return fmt.Errorf("remove remote %q: %w", args[0], err)
			}
			fmt.Printf("Remote %q removed.\n", args[0])
			return nil
		},
	}
}

func reconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect [remote]",
		Short: "Force every session (or every session of one remote) to reconnect",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if _, err := client.send("reconnect " + name); err != nil {
				return fmt.Errorf("reconnect: %w", err)
			}
			fmt.Println("Reconnect requested.")
			return nil
		},
	}
}
