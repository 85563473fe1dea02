/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"time"

	"github.com/krobus00/market-bridge/internal/bootstrap"
	"github.com/spf13/cobra"
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a trade command and wait for its response",
	Long: `Writes a trade command into the command directory (or posts it to a
running bridge) and waits for the matching response.`,
	Run: bootstrap.StartSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("symbol", "", "symbol (default: command.active_symbol)")
	submitCmd.Flags().String("action", "BUY", "action BUY|SELL")
	submitCmd.Flags().Int64("quantity", 1, "quantity")
	submitCmd.Flags().String("type", "MARKET", "order type MARKET|LIMIT")
	submitCmd.Flags().String("price", "", "limit price")
	submitCmd.Flags().String("id", "", "command id (default: random uuid)")
	submitCmd.Flags().String("via", "file", "transport file|http")
	submitCmd.Flags().String("url", "http://localhost:8080", "bridge url for --via http")
	submitCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the response")
}
