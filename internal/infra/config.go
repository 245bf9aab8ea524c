package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	ReplicateAPIToken string
	ReplicateBaseURL  string
	ProviderTimeout   time.Duration

	AssetStoreBaseURL string
	AssetStoreToken   string
	StoragePath       string
	StorageBaseURL    string
	DownloadTimeout   time.Duration

	PollDequeueTimeout time.Duration
	PollRepollDelay    time.Duration
	PollRetryDelay     time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateBaseURL:  getEnv("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		ProviderTimeout:   time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 30)),

		AssetStoreBaseURL: os.Getenv("ASSET_STORE_BASE_URL"),
		AssetStoreToken:   os.Getenv("ASSET_STORE_TOKEN"),
		StoragePath:       getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:    getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		DownloadTimeout:   time.Second * time.Duration(getEnvInt("DOWNLOAD_TIMEOUT_SECONDS", 120)),

		PollDequeueTimeout: time.Second * time.Duration(getEnvInt("POLL_DEQUEUE_TIMEOUT_SECONDS", 5)),
		PollRepollDelay:    time.Second * time.Duration(getEnvInt("POLL_REPOLL_DELAY_SECONDS", 3)),
		PollRetryDelay:     time.Second * time.Duration(getEnvInt("POLL_RETRY_DELAY_SECONDS", 2)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ReplicateAPIToken == "" {
		return nil, fmt.Errorf("REPLICATE_API_TOKEN is required")
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
