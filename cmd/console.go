package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lenslate/pkg/config"
	"lenslate/pkg/logger"
	"lenslate/pkg/provider"
	"lenslate/pkg/session"
	"lenslate/pkg/ui/console"

	"github.com/spf13/cobra"
)

var consoleLogFile string

var consoleCmd = &cobra.Command{
	Use:   "console [image]",
	Short: "Try the bot in a local terminal",
	Long:  "Runs the same image workflow as the chat bot in a terminal UI, reading images from disk.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logOutput, closeLog, err := consoleLogOutput(consoleLogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		appLogger, err := logger.NewWithWriter(cfg.Logging, logOutput)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		client, err := provider.New(cfg)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("provider health check: %w", err)
		}

		initialImage := ""
		if len(args) == 1 {
			initialImage = args[0]
		}

		dispatcher := newDispatcher(cfg, session.NewStore(), client, nil)
		adapter := console.NewAdapter(cfg.Dispatch.MaxImageBytes, initialImage, console.RuntimeInfo{
			Provider: cfg.AI.Provider,
			Model:    cfg.AI.Model,
		})

		return adapter.Run(ctx, dispatcher.Handle)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "append logs to this file instead of discarding them")
}

// consoleLogOutput keeps log lines off the terminal the UI draws on.
func consoleLogOutput(path string) (io.Writer, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return io.Discard, func() {}, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	return file, func() { _ = file.Close() }, nil
}
