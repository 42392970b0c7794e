// Package config loads the settlement engine's environment-driven settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the settlement engine.
type Config struct {
	Port string

	// Persistence
	DatabaseURL string
	RedisURL    string
	RedisTTL    time.Duration
	Migrate     bool

	// Settlement
	SettleWorkers     int
	SettleMaxAttempts int
	SweepSpec         string
	ProfitRates       map[int]decimal.Decimal // duration seconds → percent

	// Exposure limits; zero disables
	MaxStakePerPair    decimal.Decimal
	MaxStakeCorrelated decimal.Decimal

	AuditQueueSize int
	OutcomeSeed    int64 // 0 → seeded from the clock
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	rates, err := ParseProfitRates(getEnv("PROFIT_RATES", "30:85,60:90,120:92,300:95"))
	if err != nil {
		return nil, err
	}
	perPair, err := getEnvDecimal("MAX_STAKE_PER_PAIR", decimal.Zero)
	if err != nil {
		return nil, err
	}
	correlated, err := getEnvDecimal("MAX_STAKE_CORRELATED", decimal.Zero)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		RedisTTL:           getEnvDuration("REDIS_TTL", 30*time.Second),
		Migrate:            getEnv("MIGRATE", "true") == "true",
		SettleWorkers:      getEnvInt("SETTLE_WORKERS", 4),
		SettleMaxAttempts:  getEnvInt("SETTLE_MAX_ATTEMPTS", 5),
		SweepSpec:          getEnv("SWEEP_SPEC", "@every 30s"),
		ProfitRates:        rates,
		MaxStakePerPair:    perPair,
		MaxStakeCorrelated: correlated,
		AuditQueueSize:     getEnvInt("AUDIT_QUEUE_SIZE", 1024),
		OutcomeSeed:        int64(getEnvInt("OUTCOME_SEED", 0)),
	}, nil
}

// ParseProfitRates parses "30:85,60:90" into duration → rate.
func ParseProfitRates(s string) (map[int]decimal.Decimal, error) {
	rates := make(map[int]decimal.Decimal)
	for _, part := range splitAndTrim(s) {
		dur, rate, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("config: PROFIT_RATES entry %q: expected seconds:percent", part)
		}
		secs, err := strconv.Atoi(strings.TrimSpace(dur))
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("config: PROFIT_RATES entry %q: invalid duration", part)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil || r.IsNegative() || !r.Equal(r.Round(4)) {
			return nil, fmt.Errorf("config: PROFIT_RATES entry %q: invalid rate", part)
		}
		rates[secs] = r
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("config: PROFIT_RATES is empty")
	}
	return rates, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
