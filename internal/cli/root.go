// Package cli is the headliner command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "headliner",
	Short: "Rotate video titles on a schedule and measure which one wins",
	Long: `headliner runs title rotation experiments against a video platform.

Each experiment cycles a video through candidate titles on a fixed interval,
polls engagement for the live title, and attributes every reading to the
variant that was showing when it was taken.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(migrateCmd)
}
