package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	DatabaseURL string
	BindAddr    string
	StaticDir   string
	LogLevel    string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string

	HistoryLimit      int
	ToolLoopLimit     int
	UpstreamRetries   int
	ToolTimeout       time.Duration
	TurnTimeout       time.Duration
	SubscriberBuffer  int
	HeartbeatInterval time.Duration

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://db.sqlite?mode=rwc"),
		BindAddr:    getEnv("BIND_ADDR", "0.0.0.0:8001"),
		StaticDir:   getEnv("STATIC_DIR", "../frontend/build"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),

		HistoryLimit:      getEnvAsInt("HISTORY_LIMIT", 64),
		ToolLoopLimit:     getEnvAsInt("TOOL_LOOP_LIMIT", 8),
		UpstreamRetries:   getEnvAsInt("UPSTREAM_RETRIES", 2),
		ToolTimeout:       getEnvAsDuration("TOOL_TIMEOUT", 30*time.Second),
		TurnTimeout:       getEnvAsDuration("TURN_TIMEOUT", 5*time.Minute),
		SubscriberBuffer:  getEnvAsInt("SUBSCRIBER_BUFFER", 64),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 30),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
