/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the market data and trade command bridge",
	Long: `Watches the configured market data files, serves the streaming and
polling APIs, and processes trade commands from the command directory,
HTTP and NATS.`,
	Run: bootstrap.StartBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
