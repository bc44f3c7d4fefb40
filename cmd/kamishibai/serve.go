package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
	"github.com/harunnryd/kamishibai/pkg/kamishibai"
	"github.com/harunnryd/kamishibai/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Long:  `Loads the scenario and serves sessions over HTTP until SIGINT or SIGTERM, then drains in-flight turns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		engine, err := kamishibai.NewEngine(kamishibai.EngineOptions{Config: cfg, Logger: logger})
		if err != nil {
			logger.Error("engine_init_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lr := runner.NewLifecycleRunner(engine, runner.Hooks{
			OnStart: func(ctx context.Context) error {
				logger.Info("kamishibai_serving",
					"addr", cfg.Server.Addr,
					"scenes", len(engine.Graph().Scenes),
					"voice", engine.VoiceEnabled(),
				)
				return engine.Start(ctx)
			},
			OnStop: func() {
				logger.Info("kamishibai_stopped")
			},
		}, time.Duration(cfg.Server.DrainTimeoutMS)*time.Millisecond)
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			lr.Banner = cmd.OutOrStdout()
		}
		if err := lr.Run(ctx); err != nil {
			logger.Error("kamishibai_shutdown_failed", "reason_code", string(errorsx.Reason(err)), "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().BoolP("quiet", "q", false, "Skip the startup banner")
}
