package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"tictactoe-sync/internal/db"
	"tictactoe-sync/internal/middleware"
	"tictactoe-sync/internal/presence"
	"tictactoe-sync/internal/redis"
	"tictactoe-sync/internal/server"
)

// Config holds all configuration values for the gateway
type Config struct {
	// Storage
	DBConfig    db.Config
	RedisConfig redis.Config

	// Server configuration
	ServerPort     string
	Environment    string
	AllowedOrigins []string

	// Authentication
	JWTSecret string
	TokenTTL  time.Duration

	PresenceTTL time.Duration
	RateLimit   middleware.RateLimiterConfig

	// Waiting matches untouched this long are abandoned by the reaper.
	MatchIdleTimeout time.Duration
	ReapInterval     time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() Config {
	// Load .env file if it exists
	godotenv.Load()

	rateLimit := middleware.DefaultRateLimiterConfig
	rateLimit.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", rateLimit.RequestsPerSecond)
	rateLimit.BurstSize = getEnvInt("RATE_LIMIT_BURST", rateLimit.BurstSize)

	return Config{
		DBConfig: db.Config{
			Driver:     getEnv("DB_DRIVER", "sqlite"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "3306"),
			User:       getEnv("DB_USER", "root"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "tictactoe"),
			SQLitePath: getEnv("SQLITE_PATH", "tictactoe.db"),
			LogLevel:   getEnv("DB_LOG_LEVEL", "warn"),
		},
		RedisConfig: redis.Config{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		Environment:      getEnv("ENV", "development"),
		AllowedOrigins:   server.ParseOrigins(getEnv("ALLOWED_ORIGINS", "")),
		JWTSecret:        getEnv("JWT_SECRET", "secret"),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		PresenceTTL:      getEnvDuration("PRESENCE_TTL", presence.DefaultTTL),
		RateLimit:        rateLimit,
		MatchIdleTimeout: getEnvDuration("MATCH_IDLE_TIMEOUT", 30*time.Minute),
		ReapInterval:     getEnvDuration("REAP_INTERVAL", time.Minute),
	}
}

// getEnv retrieves an environment variable or returns a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[CONFIG] %s=%q is not an integer, using %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[CONFIG] %s=%q is not a number, using %v", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("[CONFIG] %s=%q is not a duration, using %s", key, raw, fallback)
		return fallback
	}
	return value
}
