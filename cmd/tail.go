/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the bridge market data feed",
	Long:  `Connects to the bridge websocket feed and logs every snapshot and delta.`,
	Run:   bootstrap.StartTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().String("url", "http://localhost:8080", "bridge url")
	tailCmd.Flags().StringSlice("symbols", nil, "symbols to follow (default: all)")
}
