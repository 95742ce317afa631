package cmd

import (
	"github.com/spf13/cobra"
)

// historyCmd is the base command for recorded-outcome operations.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded request outcomes",
	Long:  `Provides commands to view the outcomes of previously processed requests recorded in the history database.`,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	// Subcommands like 'list' are added in their respective files' init().
}
