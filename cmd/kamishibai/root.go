package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kamishibai/pkg/kamishibai"
	"github.com/harunnryd/kamishibai/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "kamishibai",
	Short: "Kamishibai is a scenario-driven paper theater dialogue engine",
	Long: `Kamishibai runs a character through a YAML scene graph. Each text or
voice turn is answered by a language model that also picks the character's
mood and the next page.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the kamishibai config file")
}

// loadConfig reads the --config file and sets up the process logger from it.
func loadConfig(cmd *cobra.Command) (kamishibai.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := kamishibai.LoadConfig(path)
	if err != nil {
		return kamishibai.Config{}, nil, err
	}
	logger := logging.InitLogger(logging.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}
