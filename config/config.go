// Package config provides application configuration management.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
)

var logger = logutil.New("config")

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort      string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxStreamBytes  int64

	// Persistence configuration
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string

	// Redis configuration
	RedisURL         string
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	ToggleKey        string
	APIKeyKey        string
	EventsChannel    string
	EventKeepalive   time.Duration

	// Inference proxy
	NIMBaseURL   string
	NIMEndpoints string
	NIMKeyPrefix string
	NIMTimeout   time.Duration

	// Validation
	ChatSchemaPath       string
	CompletionSchemaPath string

	// Logging
	LogLevel  string
	LogFormat string

	// Tokens
	APIToken string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", "/app/state")
	dataStoreDriver := strings.ToLower(getEnv("DATASTORE_DRIVER", "sqlite"))
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDriver == "postgres" && dataStoreDSN == "" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" && dataStoreDriver == "sqlite" {
		dataStoreDSN = filepath.Join(statePath, "nimkit.db")
	}
	return &Config{
		ServerPort:           getEnv("SERVER_PORT", "8000"),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxStreamBytes:       int64(getEnvInt("MAX_STREAM_BYTES", 8<<20)),
		StatePath:            statePath,
		DataStoreDriver:      dataStoreDriver,
		DataStoreDSN:         dataStoreDSN,
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisUsername:        getEnv("REDIS_USERNAME", ""),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:      getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:     getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		ToggleKey:            getEnv("NVIDIA_TOGGLE_KEY", "nims:nvidia_api_toggle"),
		APIKeyKey:            getEnv("NVIDIA_API_KEY_KEY", "nims:nvidia_api_key"),
		EventsChannel:        getEnv("EVENTS_CHANNEL", "nimkit:events"),
		EventKeepalive:       getEnvDuration("EVENT_KEEPALIVE", 15*time.Second),
		NIMBaseURL:           getEnv("NIM_BASE_URL", ""),
		NIMEndpoints:         getEnv("NIM_ENDPOINTS", ""),
		NIMKeyPrefix:         getEnv("NIM_KEY_PREFIX", "nim:"),
		NIMTimeout:           getEnvDuration("NIM_TIMEOUT", 30*time.Second),
		ChatSchemaPath:       getEnv("CHAT_SCHEMA_PATH", ""),
		CompletionSchemaPath: getEnv("COMPLETION_SCHEMA_PATH", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		APIToken:             os.Getenv("NIMKIT_API_TOKEN"),
	}
}

// RedisConfigured reports whether any Redis endpoint was supplied.
func (c *Config) RedisConfigured() bool {
	return c.RedisURL != "" || c.RedisAddr != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		logger.Warnf("Invalid duration for %s: %s, using default %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		logger.Warnf("Invalid int for %s: %s, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			logger.Warnf("Invalid bool for %s: %s, using default %t", key, value, defaultValue)
		}
	}
	return defaultValue
}
