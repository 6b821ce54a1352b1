package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	AccountsFile string
	SettingsFile string
	OTLPEndpoint string
	AWSRegion    string

	ProviderBaseURL string

	EncryptionKey     string
	AdminAuthEnabled  bool
	AdminUser         string
	AdminPasswordHash string
	// Optional read-only admin identity.
	OperatorUser         string
	OperatorPasswordHash string
	APIKeys              []string
	ClientRPM            int

	// AWS integrations; each is disabled when empty
	SecretsName         string
	EvictionTopicARN    string
	RefreshQueueURL     string
	CredentialsQueueURL string

	AccountSyncInterval time.Duration

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 getEnv("ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisURL:             getEnv("REDIS_URL", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		AccountsFile:         getEnv("ACCOUNTS_FILE", ""),
		SettingsFile:         getEnv("SETTINGS_FILE", ""),
		OTLPEndpoint:         getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:            getEnv("AWS_REGION", ""),
		ProviderBaseURL:      getEnv("PROVIDER_BASE_URL", DefaultProviderBaseURL),
		EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:     getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminUser:            getEnv("ADMIN_USER", "admin"),
		AdminPasswordHash:    getEnv("ADMIN_PASSWORD_HASH", ""),
		OperatorUser:         getEnv("OPERATOR_USER", ""),
		OperatorPasswordHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		APIKeys:              getListEnv("API_KEYS"),
		ClientRPM:            getIntEnv("CLIENT_RPM", 0),
		SecretsName:          getEnv("SECRETS_NAME", ""),
		EvictionTopicARN:     getEnv("EVICTION_TOPIC_ARN", ""),
		RefreshQueueURL:      getEnv("REFRESH_QUEUE_URL", ""),
		CredentialsQueueURL:  getEnv("CREDENTIALS_QUEUE_URL", ""),
		AccountSyncInterval:  getDurationEnv("ACCOUNT_SYNC_INTERVAL", 0),
		ShutdownTimeout:      getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:         getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

const DefaultProviderBaseURL = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
