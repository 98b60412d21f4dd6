package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg := LoadConfig()
	if cfg.DBConfig.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver by default, got %q", cfg.DBConfig.Driver)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("Expected port 8080, got %q", cfg.ServerPort)
	}
	if cfg.AllowedOrigins != nil {
		t.Errorf("Expected no configured origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.MatchIdleTimeout != 30*time.Minute {
		t.Errorf("Expected 30m idle timeout, got %v", cfg.MatchIdleTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("PRESENCE_TTL", "20s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := LoadConfig()
	if cfg.DBConfig.Driver != "mysql" {
		t.Errorf("Expected mysql, got %q", cfg.DBConfig.Driver)
	}
	if cfg.RedisConfig.DB != 2 {
		t.Errorf("Expected redis db 2, got %d", cfg.RedisConfig.DB)
	}
	if cfg.RateLimit.RequestsPerSecond != 2.5 {
		t.Errorf("Expected 2.5 rps, got %v", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.PresenceTTL != 20*time.Second {
		t.Errorf("Expected 20s presence ttl, got %v", cfg.PresenceTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("Unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestGetEnvFallsBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "many")
	t.Setenv("X_FLOAT", "fast")
	t.Setenv("X_DURATION", "soon")

	if got := getEnvInt("X_INT", 7); got != 7 {
		t.Errorf("getEnvInt = %d, want 7", got)
	}
	if got := getEnvFloat("X_FLOAT", 1.5); got != 1.5 {
		t.Errorf("getEnvFloat = %v, want 1.5", got)
	}
	if got := getEnvDuration("X_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration = %v, want 1s", got)
	}
}
