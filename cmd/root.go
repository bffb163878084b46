package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "slipstream-server",
	Short: "SlipStream remote desktop streaming server",
	Long:  `slipstream-server captures, encodes, and streams a desktop session to a single WebRTC peer.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(NewStartServerCommand())
	rootCmd.AddCommand(NewMonitorsCommand())
}
