package cmd

import (
	"fmt"
	"github.com/arcward/chatrelay/chatrelay"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"chatrelay version=%s commit=%s built: %s",
			chatrelay.Version,
			chatrelay.CommitSHA,
			chatrelay.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
