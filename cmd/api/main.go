package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"speechflow/internal/adapter/repo"
	"speechflow/internal/http/handlers"
	httpapi "speechflow/internal/http/httpapi"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
	"speechflow/internal/storage"
)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store := repo.NewJobStore(dbpool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	blobs, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init blob storage")
	}

	broker, err := messaging.New(ctx, cfg, dbpool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init broker")
	}
	defer broker.Close()

	app := &handlers.App{
		Store:             store,
		Blobs:             blobs,
		Broker:            broker,
		RouterQueue:       cfg.RouterQueue,
		RawAudioContainer: cfg.RawAudioContainer,
		ResultsContainer:  cfg.ResultsContainer,
		Logger:            logger,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
