package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatNames renders a flat name list (list-dbs, list-remotes) under the
// given column header in the requested format.
func formatNames(header string, names []string, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(names, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal names to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, header)
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
