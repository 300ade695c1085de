// meetbell raises meeting alerts from a calendar feed.
//
// Usage:
//
//	meetbell run --config meetbell.yaml
//	meetbell status
//	meetbell snooze <meeting-id> 10
//	meetbell test early5
//	meetbell auth set <token> --expires-in 3600
//	meetbell settings set --fifteen=false
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	apiAddr   string
	apiToken  string
	outputFmt string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meetbell",
		Short: "Meeting alerts from your calendar",
		Long: `meetbell polls a calendar, raises alerts 15, 10 and 5 minutes before each
meeting and at its start, and never raises the same alert twice.

"meetbell run" starts the daemon. Every other command talks to a running
daemon over its HTTP control API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&apiAddr, "addr", envOr("MEETBELL_ADDR", "127.0.0.1:8737"), "control API address")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("MEETBELL_TOKEN"), "control API bearer token")
	root.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(snoozeCmd())
	root.AddCommand(closeCmd())
	root.AddCommand(joinCmd())
	root.AddCommand(testCmd())
	root.AddCommand(authCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(ringtoneCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
