package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	DatabaseURL string
	// Pool sizing is per process. The api, router and worker processes all
	// target the same database, so the sum across deployed replicas has to
	// stay under the server's connection limit.
	DBMaxConns int
	DBMinConns int

	// Broker selects the queue transport: "postgres", "sqs" or "memory".
	Broker                 string
	RouterQueue            string
	LIDQueue               string
	WhisperQueue           string
	AIQueue                string
	QueueVisibilityTimeout time.Duration
	QueuePollInterval      time.Duration

	// BlobStore selects the result/audio storage: "filesystem" or "s3".
	BlobStore         string
	StoragePath       string
	RawAudioContainer string
	ResultsContainer  string

	LIDServiceURL     string
	WhisperServiceURL string

	AIBaseURL         string
	AIAPIKey          string
	AIDeployment      string
	AIAPIVersion      string
	AIInputCostPer1K  float64
	AIOutputCostPer1K float64

	CallbackTimeout time.Duration

	WorkerStage    string
	WorkerID       string
	WorkerNode     string
	WorkerNodePool string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:  getEnvInt("DB_MIN_CONNS", 1),

		Broker:                 getEnv("BROKER", "postgres"),
		RouterQueue:            getEnv("ROUTER_QUEUE_NAME", "job-events"),
		LIDQueue:               getEnv("LID_QUEUE_NAME", "lid-jobs"),
		WhisperQueue:           getEnv("WHISPER_QUEUE_NAME", "whisper-jobs"),
		AIQueue:                getEnv("AI_QUEUE_NAME", "ai-jobs"),
		QueueVisibilityTimeout: time.Second * time.Duration(getEnvInt("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 300)),
		QueuePollInterval:      time.Millisecond * time.Duration(getEnvInt("QUEUE_POLL_INTERVAL_MS", 500)),

		BlobStore:         getEnv("BLOB_STORE", "filesystem"),
		StoragePath:       getEnv("STORAGE_PATH", "./storage"),
		RawAudioContainer: getEnv("BLOB_CONTAINER_NAME", "raw-audio"),
		ResultsContainer:  getEnv("BLOB_CONTAINER_RESULTS", "results"),

		LIDServiceURL:     getEnv("LID_SERVICE_URL", "http://localhost:9001"),
		WhisperServiceURL: getEnv("WHISPER_SERVICE_URL", "http://localhost:9002"),

		AIBaseURL:         getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:          os.Getenv("AI_API_KEY"),
		AIDeployment:      getEnv("AI_DEPLOYMENT", "gpt-4"),
		AIAPIVersion:      getEnv("AI_API_VERSION", "2024-02-15-preview"),
		AIInputCostPer1K:  getEnvFloat("AI_INPUT_COST_PER_1K", 0.01),
		AIOutputCostPer1K: getEnvFloat("AI_OUTPUT_COST_PER_1K", 0.03),

		CallbackTimeout: time.Second * time.Duration(getEnvInt("CALLBACK_TIMEOUT_SECONDS", 10)),

		WorkerStage:    os.Getenv("WORKER_STAGE"),
		WorkerID:       getEnv("HOSTNAME", hostname),
		WorkerNode:     getEnv("NODE_NAME", "unknown"),
		WorkerNodePool: getEnv("NODE_POOL", "default"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.Broker {
	case "postgres", "sqs", "memory":
	default:
		return nil, fmt.Errorf("unsupported BROKER %q", cfg.Broker)
	}

	switch cfg.BlobStore {
	case "filesystem", "s3":
	default:
		return nil, fmt.Errorf("unsupported BLOB_STORE %q", cfg.BlobStore)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
