package main

import (
	"fmt"

	"github.com/bhandras/meshclient/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of meshclient",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meshclient version %s\n", version.RichVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
