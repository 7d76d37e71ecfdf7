package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lenslate/pkg/bus"
	"lenslate/pkg/channel"
	"lenslate/pkg/channel/discord"
	"lenslate/pkg/channel/telegram"
	"lenslate/pkg/config"
	"lenslate/pkg/dispatch"
	"lenslate/pkg/gateway"
	"lenslate/pkg/logger"
	"lenslate/pkg/provider"
	"lenslate/pkg/session"

	"github.com/spf13/cobra"
)

const (
	telegramChannelName = "telegram"
	discordChannelName  = "discord"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat bot gateway",
	Long:  "Runs lenslate against every enabled chat channel with health, readiness and status endpoints.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		client, err := provider.New(cfg)
		if err != nil {
			log.Error("Failed to initialize provider", "error", err)
			return err
		}

		store := session.NewStore()
		events := bus.NewMessageBus()
		dispatcher := newDispatcher(cfg, store, client, events)

		svc, err := gateway.NewService(cfg, client, store, events, dispatcher.Handle, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "provider", cfg.AI.Provider, "model", cfg.AI.Model)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newDispatcher(cfg *config.Config, store *session.Store, client provider.Client, events *bus.MessageBus) *dispatch.Dispatcher {
	return dispatch.New(store, client, events, dispatch.Options{
		SingleFlight:   cfg.Dispatch.SingleFlight,
		RequestTimeout: time.Duration(cfg.AI.RequestTimeoutSeconds) * time.Second,
		MaxImageBytes:  cfg.Dispatch.MaxImageBytes,
	})
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, cfg.Dispatch.MaxImageBytes, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, cfg.Dispatch.MaxImageBytes, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", discordChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
