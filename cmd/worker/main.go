package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"speechflow/internal/adapter/repo"
	"speechflow/internal/capability"
	"speechflow/internal/domain"
	"speechflow/internal/infra"
	"speechflow/internal/messaging"
	"speechflow/internal/storage"
	"speechflow/internal/worker"
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

	blobs, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init blob storage")
	}

	broker, err := messaging.New(ctx, cfg, dbpool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init broker")
	}
	defer broker.Close()

	var (
		queue   string
		handler worker.Handler
	)
	switch cfg.WorkerStage {
	case "lid":
		queue = cfg.LIDQueue
		handler = &worker.LIDHandler{
			Jobs:         store,
			Blobs:        blobs,
			RawContainer: cfg.RawAudioContainer,
			LID:          capability.NewHTTPLID(capability.LIDOptions{BaseURL: cfg.LIDServiceURL, Logger: &logger}),
		}
	case "whisper":
		queue = cfg.WhisperQueue
		handler = &worker.TranscribeHandler{
			Jobs:         store,
			Blobs:        blobs,
			RawContainer: cfg.RawAudioContainer,
			Transcriber:  capability.NewHTTPTranscriber(capability.TranscriberOptions{BaseURL: cfg.WhisperServiceURL, Logger: &logger}),
		}
	case "ai":
		queue = cfg.AIQueue
		handler = &worker.AIHandler{
			Jobs:         store,
			Blobs:        blobs,
			RawContainer: cfg.RawAudioContainer,
			AI: capability.NewHTTPAITask(capability.AIOptions{
				BaseURL:    cfg.AIBaseURL,
				APIKey:     cfg.AIAPIKey,
				Deployment: cfg.AIDeployment,
				APIVersion: cfg.AIAPIVersion,
				Cost: capability.CostModel{
					InputPer1K:  cfg.AIInputCostPer1K,
					OutputPer1K: cfg.AIOutputCostPer1K,
				},
				Logger: &logger,
			}),
			Transcriber: capability.NewHTTPTranscriber(capability.TranscriberOptions{BaseURL: cfg.WhisperServiceURL, Logger: &logger}),
		}
	default:
		logger.Fatal().Str("stage", cfg.WorkerStage).Msg("WORKER_STAGE must be lid, whisper or ai")
	}

	rt := worker.New(worker.Options{
		Queue:            queue,
		RouterQueue:      cfg.RouterQueue,
		ResultsContainer: cfg.ResultsContainer,
		Broker:           broker,
		Blobs:            blobs,
		Handler:          handler,
		Identity: domain.WorkerIdentity{
			ID:       cfg.WorkerID,
			Node:     cfg.WorkerNode,
			NodePool: cfg.WorkerNodePool,
		},
		Logger: logger,
	})

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}
