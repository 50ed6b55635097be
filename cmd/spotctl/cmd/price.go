package cmd

import (
	"github.com/spf13/cobra"
)

var (
	priceRegion  string
	priceHistory bool
)

var priceCmd = &cobra.Command{
	Use:   "price <instance-type>",
	Short: "Fetch the spot price for an instance type",
	Long:  "Fetches the spot price synchronously. Without --region the best price across all regions is returned.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if priceRegion == "" {
			return getJSON("/spot-prices/best/" + args[0])
		}
		path := "/spot-prices/" + priceRegion + "/" + args[0]
		if priceHistory {
			path += "?history=true"
		}
		return getJSON(path)
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceRegion, "region", "", "region to price in (default: best across all regions)")
	priceCmd.Flags().BoolVar(&priceHistory, "history", false, "include archived price history")
	rootCmd.AddCommand(priceCmd)
}
