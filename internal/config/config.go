// Package config loads the client configuration from the environment and an
// optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backoff kinds accepted in CHAT_BACKOFF.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

type Config struct {
	WSURL          string
	APIURL         string
	Token          string
	ReconnectDelay time.Duration
	Backoff        string
	BackoffMax     time.Duration
	HTTPTimeout    time.Duration
	DedupWindow    time.Duration // 0 keeps every duplicate
	RedisAddr      string        // empty uses the in-memory token store
	SessionKey     string
	NATSURL        string // empty disables the notification bridge
	MetricsAddr    string // empty disables /metrics
	LogMode        string
}

// Load reads .env files (if any) into the environment and returns the
// resulting configuration. Variables already set in the environment win
// over .env values.
func Load(files ...string) (*Config, bool) {
	loaded := godotenv.Load(files...) == nil

	return &Config{
		WSURL:          getEnv("CHAT_WS_URL", "ws://localhost:8080/ws"),
		APIURL:         getEnv("CHAT_API_URL", "http://localhost:8080/api"),
		Token:          getEnv("CHAT_TOKEN", ""),
		ReconnectDelay: getEnvAsDuration("CHAT_RECONNECT_DELAY", 3*time.Second),
		Backoff:        strings.ToLower(getEnv("CHAT_BACKOFF", BackoffFixed)),
		BackoffMax:     getEnvAsDuration("CHAT_BACKOFF_MAX", 60*time.Second),
		HTTPTimeout:    getEnvAsDuration("CHAT_HTTP_TIMEOUT", 15*time.Second),
		DedupWindow:    getEnvAsDuration("CHAT_DEDUP_WINDOW", 0),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		SessionKey:     getEnv("SESSION_KEY", "default"),
		NATSURL:        getEnv("NATS_URL", ""),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		LogMode:        getEnv("LOG_MODE", "development"),
	}, loaded
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("1500ms") and bare integers, which
// are read as milliseconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if d, err := time.ParseDuration(valueStr); err == nil && d >= 0 {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
