package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chathub/billing"
	"chathub/chat"
	"chathub/crypto"
	"chathub/llm"
	"chathub/store"
	"chathub/utils"
)

var (
	version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	prompt := flag.String("prompt", "", "Send one prompt and print the streamed reply")
	userID := flag.String("user", "local", "User identity for conversation history and budgets")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chathub v%s\n", version)
		os.Exit(0)
	}

	logger := utils.NewLogger("chathub")
	logger.Info().Str("version", version).Msg("starting")

	actualConfigPath := *configPath
	if actualConfigPath == "" {
		var err error
		actualConfigPath, err = utils.EnsureDefaultConfig()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create default config")
		}
	}

	config, err := utils.LoadConfig(actualConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Info().Str("config", actualConfigPath).Str("provider", config.ActiveProvider).Msg("config loaded")

	enc, err := crypto.NewHelperFromHex(config.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption key")
	}

	st, err := store.Open(config.Data.StorePath, enc, logger, store.Options{MaxHistory: config.Data.MaxHistory})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open conversation store")
	}
	defer st.Close()

	var usageLog *store.UsageLog
	if config.Data.UsageDBPath != "" {
		usageLog, err = store.OpenUsageLog(config.Data.UsageDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("usage log disabled")
			usageLog = nil
		} else {
			defer usageLog.Close()
		}
	}

	provider, err := buildProvider(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider")
	}
	if err := provider.ValidateConfig(); err != nil {
		logger.Fatal().Err(err).Str("provider", provider.Name()).Msg("provider not configured")
	}

	bill := billing.NewService(st, billing.NewOracle(), config.Budget, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Refresh USD rates daily in the background.
	crawler := billing.NewCrawler(logger)
	utils.SafeGo(logger, "pricing_refresh", func() {
		bill.RunPricingRefresh(ctx, crawler, 24*time.Hour)
	})

	var optimizer *chat.Optimizer
	if config.OptimizerModel != "" {
		optimizer = chat.NewOptimizer(provider, config.OptimizerModel, logger)
	}

	orch := chat.New(st, bill, provider, optimizer, usageLog, chat.Config{
		DefaultSystemPrompt: config.DefaultSystemPrompt,
	}, logger)

	if *prompt == "" {
		logger.Fatal().Msg("nothing to do: pass -prompt")
	}

	res, err := orch.Handle(ctx, chat.Request{
		UserID: *userID,
		Prompt: *prompt,
		OnUpdate: func(chunks []string) {
			fmt.Print("\r" + strings.ReplaceAll(chunks[len(chunks)-1], "\n", " "))
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("request failed")
	}

	fmt.Print("\r")
	for _, chunk := range res.Chunks {
		fmt.Println(chunk)
	}
	logger.Info().
		Str("conversation_id", res.ConversationID).
		Float64("cost", res.Spend.Amount).
		Str("currency", res.Spend.Currency).
		Msg("done")
}

func buildProvider(config *utils.Config) (llm.Provider, error) {
	name := config.ActiveProvider
	pc, ok := config.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no configuration for provider %q", name)
	}

	return llm.New(name, llm.Config{
		ProviderName: name,
		APIKey:       pc.APIKey,
		BaseURL:      pc.BaseURL,
		Model:        pc.DefaultModel,
		Models:       pc.Models,
		MaxTokens:    pc.MaxTokens,
		Temperature:  pc.Temperature,
	})
}
