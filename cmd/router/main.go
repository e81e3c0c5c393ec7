package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"speechflow/internal/adapter/repo"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
	"speechflow/internal/router"
	"speechflow/internal/webhook"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store := repo.NewJobStore(dbpool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	broker, err := messaging.New(ctx, cfg, dbpool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init broker")
	}
	defer broker.Close()

	notifier := webhook.NewNotifier(cfg.CallbackTimeout, logger)

	rt := router.New(store, broker, notifier, router.Queues{
		Router:  cfg.RouterQueue,
		LID:     cfg.LIDQueue,
		Whisper: cfg.WhisperQueue,
		AI:      cfg.AIQueue,
	}, logger)

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("router failed")
	}
	logger.Info().Msg("router stopped")
}
