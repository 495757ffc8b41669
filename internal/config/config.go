package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/eternisai/enchanted-push/internal/platform"
)

type Config struct {
	// Backend registration endpoint
	BackendURL    string
	BackendAPIKey string

	// FCM project the scoped token strategy targets. Empty disables
	// the scoped strategy and token acquisition goes straight to the
	// unscoped one.
	FCMProjectID string

	// Native bridge
	NatsURL              string
	BridgeTimeoutSeconds int

	// Durable store
	StorePath string

	// Push Notifications
	PushEnabled bool

	// Debug server
	DebugAddr string

	// Server
	ShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	// Notification delivery channel (Android), loaded from the config file.
	Channel platform.Channel `yaml:"channel"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		BackendURL:    getEnvOrDefault("BACKEND_URL", "http://localhost:8080"),
		BackendAPIKey: getEnvOrDefault("BACKEND_API_KEY", ""),

		FCMProjectID: getEnvOrDefault("FCM_PROJECT_ID", ""),

		NatsURL:              getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
		BridgeTimeoutSeconds: getEnvAsInt("BRIDGE_TIMEOUT_SECONDS", 10),

		StorePath: getEnvOrDefault("STORE_PATH", "push-agent.db"),

		PushEnabled: getEnvOrDefault("PUSH_ENABLED", "true") == "true",

		DebugAddr: getEnvOrDefault("DEBUG_ADDR", "127.0.0.1:9190"),

		ShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		Channel: platform.DefaultChannel(),
	}

	// The config file only carries the channel definition today. A missing
	// file is fine: a missing channel degrades presentation, it must not
	// block registration.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("Config file %s not readable, using default channel: %v", configFilePath, err)
		return
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Printf("Failed to parse config file %s, using default channel: %v", configFilePath, err)
		AppConfig.Channel = platform.DefaultChannel()
		return
	}

	if AppConfig.BackendAPIKey == "" {
		log.Println("Warning: backend API key is missing. Please set BACKEND_API_KEY environment variable.")
	}

	if AppConfig.FCMProjectID == "" {
		log.Println("Warning: FCM project ID is missing; only the unscoped token strategy will run.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// BridgeTimeout returns the bridge request timeout as a duration.
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutSeconds) * time.Second
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
