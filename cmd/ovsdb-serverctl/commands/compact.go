package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact [db]",
		Short: "Compact a database (or every database, if none is named)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			db := ""
			if len(args) == 1 {
				db = args[0]
			}
			if _, err := client.send("compact " + db); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			fmt.Println("Compact requested.")
			return nil
		},
	}
}
