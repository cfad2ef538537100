// Package cmd holds the waitlist-campaign command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "waitlist-campaign",
	Short: "Referral waitlist campaign service",
	Long: `Runs the referral waitlist campaign: signups, daily chests, the
referral leaderboard and the synthetic wins feed. With no subcommand the
HTTP service is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
