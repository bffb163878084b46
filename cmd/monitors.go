package cmd

import (
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/slipstream-rtc/server/internal/util"
)

// NewMonitorsCommand prints the enumerated displays as a table. Until
// a platform-specific display backend is wired in, this renders the
// same stand-in list start-server seeds its MonitorSet with.
func NewMonitorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitors",
		Short: "List displays available for capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			columns := []util.TableColumn{
				{Header: "INDEX", Key: "index"},
				{Header: "NAME", Key: "name"},
				{Header: "RESOLUTION", Key: "resolution"},
				{Header: "REFRESH", Key: "refresh"},
				{Header: "PRIMARY", Key: "primary"},
			}

			var rows []map[string]interface{}
			for _, m := range defaultMonitors() {
				primary := "no"
				if m.Primary {
					primary = color.New(color.FgGreen, color.Bold).Sprint("yes")
				}
				rows = append(rows, map[string]interface{}{
					"index":      m.Index,
					"name":       m.FriendlyName,
					"resolution": formatResolution(m.Width, m.Height),
					"refresh":    m.RefreshHz,
					"primary":    primary,
				})
			}
			util.RenderTable(columns, rows)
			return nil
		},
	}
}

func formatResolution(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}
