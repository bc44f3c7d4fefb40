package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kamishibai/pkg/conversation"
	"github.com/harunnryd/kamishibai/pkg/kamishibai"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the scenario from the terminal",
	Long: `Starts one local session and reads turns from stdin. Slash commands
(/move, /undo, /reset, /status) work as they do over HTTP. Type /quit to exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, err := kamishibai.NewEngine(kamishibai.EngineOptions{Config: cfg, Logger: logger})
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runChat(ctx, engine.NewOrchestrator(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, orc *conversation.Orchestrator, in io.Reader, out io.Writer) error {
	snap, err := orc.Start(ctx)
	if err != nil {
		return err
	}
	shown := printEntries(out, snap, 0)
	fmt.Fprintf(out, "[%s]\n", snap.Status)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			return nil
		}
		snap, err := orc.HandleText(ctx, line)
		if err != nil {
			return err
		}
		if len(snap.Display) < shown {
			shown = 0
		}
		shown = printEntries(out, snap, shown)
		fmt.Fprintf(out, "[%s]\n", snap.Status)
	}
}

// printEntries prints the assistant side of entries after index from and
// returns the new display length.
func printEntries(out io.Writer, snap conversation.Snapshot, from int) int {
	for _, e := range snap.Display[from:] {
		fmt.Fprintln(out, e.Assistant)
	}
	return len(snap.Display)
}
