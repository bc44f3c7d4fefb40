package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kamishibai/pkg/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate [scenario.yaml]",
	Short: "Check a scenario file for consistency",
	Long:  `Loads the scenario named by the argument, or by scenario.path in the config, and reports the first broken reference.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) > 0 {
			path = args[0]
		} else {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path = cfg.Scenario.Path
		}
		graph, err := scenario.Load(path)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		start, err := graph.Start()
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d scenes, %d pages, starts at %s\n",
			path, len(graph.Scenes), graph.PageCount(), start)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
