package cmd

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportRig    string
	exportType   string
	exportSearch string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event history to stdout",
	Long: `Export streams the daemon's retained event history as JSON or CSV.
Filters narrow the export; combine them freely:

  rigwatch export --format csv --rig alpha --type agent_status_change
  rigwatch export --search "timeout" > timeouts.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "json" && exportFormat != "csv" {
			return fmt.Errorf("format must be json or csv, got %q", exportFormat)
		}
		c, err := client()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("format", exportFormat)
		if exportRig != "" {
			q.Set("rig", exportRig)
		}
		if exportType != "" {
			q.Set("type", exportType)
		}
		if exportSearch != "" {
			q.Set("search", exportSearch)
		}

		data, err := c.raw("/api/events/export?" + q.Encode())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or csv")
	exportCmd.Flags().StringVar(&exportRig, "rig", "", "only events for this rig")
	exportCmd.Flags().StringVar(&exportType, "type", "", "only events of this type")
	exportCmd.Flags().StringVar(&exportSearch, "search", "", "free-text filter on event messages")
	rootCmd.AddCommand(exportCmd)
}
