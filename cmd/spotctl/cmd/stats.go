package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depths and in-flight count",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/stats")
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live worker processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/workers")
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(workersCmd)
}
