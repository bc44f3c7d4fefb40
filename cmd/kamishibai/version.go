package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kamishibai/pkg/runner"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of kamishibai",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kamishibai version %s\n", strings.TrimSpace(runner.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
