package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/switchboard/ai/modes"
	aiopenai "github.com/hrygo/switchboard/ai/openai"
	"github.com/hrygo/switchboard/broker"
	"github.com/hrygo/switchboard/channels"
	"github.com/hrygo/switchboard/channels/telegram"
	"github.com/hrygo/switchboard/chat"
	"github.com/hrygo/switchboard/internal/profile"
	"github.com/hrygo/switchboard/internal/version"
	"github.com/hrygo/switchboard/metrics"
	"github.com/hrygo/switchboard/server"
	"github.com/hrygo/switchboard/store"
)

var rootCmd = &cobra.Command{
	Use:     "switchboard",
	Short:   `A multi-tenant Telegram chat broker streaming AI responses with per-chat batching and preemption.`,
	Version: version.StringFull(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		return run(instanceProfile)
	},
}

func run(p *profile.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.Default()
	metricSet := metrics.New(metrics.DefaultConfig())

	stateStore := store.NewExpiringStore(0, logger)
	defer stateStore.Close()

	messenger, err := telegram.New(telegram.Config{
		Token:         p.TelegramToken,
		Debug:         p.TelegramDebug,
		MaxTextLen:    p.MessengerMaxTextLen,
		MaxCaptionLen: p.MessengerMaxPhotoLen,
		Metrics:       metricSet,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	router := channels.NewRouter()
	router.Register(messenger)
	defer router.Close()

	library := modes.NewLibrary(p.ModesDir, logger)
	provider, err := aiopenai.NewProvider(aiopenai.Config{
		APIKey:      p.OpenAIAPIKey,
		BaseURL:     p.OpenAIBaseURL,
		Model:       p.OpenAIModel,
		MaxTokens:   p.OpenAIMaxTokens,
		Temperature: float32(p.OpenAITemperature),
	}, library, logger)
	if err != nil {
		return err
	}
	factory := provider.Factory()

	access, err := broker.NewAccessChecker(p.AccessDir, p.AdminUserID, logger)
	if err != nil {
		return err
	}

	commands := broker.NewCommandRegistry(messenger, logger)
	commands.RegisterDefaults(version.String())

	chatFactory := func(chatID string) (*chat.Chat, error) {
		ttl := p.StateTTL()
		if access.IsPremium(ctx, chatID) {
			ttl = store.NoExpiration
		}
		return chat.NewChat(chat.Config{
			ChatID:       chatID,
			Mode:         p.DefaultMode,
			BotName:      p.BotName,
			Store:        stateStore,
			Messenger:    messenger,
			AgentFactory: factory,
			StateTTL:     ttl,
			Metrics:      metricSet,
			Logger:       logger,
		})
	}

	batcher, err := broker.NewEventBatcher(broker.BatcherConfig{
		Interval:  p.BatchInterval,
		MaxCount:  p.BatchMaxCount,
		Messenger: messenger,
		Access:    access,
		Commands:  commands,
		Factory:   chatFactory,
		Store:     stateStore,
		Metrics:   metricSet,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer batcher.Close()

	httpServer := server.NewServer(p, metricSet)
	producer := telegram.NewProducer(messenger, batcher, logger)

	producerDone := make(chan error, 1)
	if p.WebhookEnabled() {
		handler, err := producer.SetWebhook(p.TelegramWebhookURL, p.TelegramWebhookSecret)
		if err != nil {
			return err
		}
		httpServer.RegisterWebhook(handler)
	} else {
		go func() {
			producerDone <- producer.Run(ctx)
		}()
	}

	if err := httpServer.Start(ctx); err != nil {
		return err
	}
	httpServer.MarkReady()
	printGreetings(p)

	c := make(chan os.Signal, 1)
	// Trigger graceful shutdown on SIGINT or SIGTERM. The default signal
	// sent by `kill` is SIGTERM, which most process managers use.
	signal.Notify(c, terminationSignals...)

	select {
	case <-c:
		slog.Info("shutdown signal received")
	case err := <-producerDone:
		if err != nil {
			slog.Error("update producer stopped", "error", err)
		}
	}

	cancel()
	httpServer.Shutdown(context.Background())
	return nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")

	for _, flag := range []string{"mode", "addr", "port", "data"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("switchboard")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Switchboard %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.WebhookEnabled() {
		fmt.Printf("Updates: webhook at %s\n", p.TelegramWebhookURL)
	} else {
		fmt.Println("Updates: long polling")
	}
	if len(p.Addr) == 0 {
		fmt.Printf("Ops server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Ops server running on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}
