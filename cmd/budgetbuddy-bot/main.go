package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"budgetbuddy/internal/amqp"
	"budgetbuddy/internal/bot"
	"budgetbuddy/internal/config"
	"budgetbuddy/internal/log"
	"budgetbuddy/internal/telegram"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: log.ComponentBot,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)

	logger.Info("Starting budgetbuddy-bot")

	if err := cfg.ValidateBot(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tg := telegram.NewClient(cfg.TelegramAPIURL, cfg.BotToken, telegram.WithLogger(logger))
	meCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	me, err := tg.GetMe(meCtx)
	cancel()
	if err != nil {
		// Not fatal: commands still work, only @mentions of other bots are not filtered.
		logger.Warn("Could not look up bot account", log.FieldError, err.Error())
	} else {
		logger.Info("Bot account verified", "username", me.Username)
	}

	b := bot.New(
		bot.NewAPIClient(cfg.APIURL, cfg.UserIDHeader, nil),
		tg,
		bot.Config{AppName: cfg.AppName, Username: me.Username},
		logger)

	amqpClient, err := amqp.DialWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, 0, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("Failed to initialize AMQP client", log.FieldError, err.Error())
		os.Exit(1)
	}
	defer amqpClient.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.ConsumeUpdates(gctx, b.HandleUpdate)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Update consumption failed", log.FieldError, err.Error())
		os.Exit(1)
	}
	logger.Info("Bot worker shutdown complete", log.FieldOperation, log.OpShutdown)
}
