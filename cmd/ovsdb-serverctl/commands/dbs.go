package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func dbsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-dbs",
		Short: "List every database currently open on the daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			names, err := client.sendList("list-dbs")
			if err != nil {
				return fmt.Errorf("list databases: %w", err)
			}
			out, err := formatNames("DATABASE", names, outputFormat)
			if err != nil {
				return fmt.Errorf("format databases: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}
