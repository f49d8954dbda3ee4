// Package config loads process settings from the environment. Per-guild
// market settings are not configured here; they live in MarketConfig rows.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the process settings.
type Config struct {
	Port            string
	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration
	DiscordBotToken string

	TickResolution  time.Duration
	TickConcurrency int
	TickGuardTTL    time.Duration
	LedgerTimeout   time.Duration
	DividendCron    string
	EventExpiryCron string
	NotifyQueueSize int
	StartingBalance decimal.Decimal

	AutoMigrate     bool
	ShutdownTimeout time.Duration
}

// Load reads a .env file if one exists, then the environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv()
}

// FromEnv reads the settings from the environment only.
func FromEnv() (Config, error) {
	balance, err := decimal.NewFromString(envDefault("STARTING_BALANCE", "1000"))
	if err != nil {
		return Config{}, errors.New("STARTING_BALANCE must be a decimal number")
	}
	cfg := Config{
		Port:            strings.TrimPrefix(envDefault("PORT", "8080"), ":"),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:        envDurationDefault("CACHE_TTL", 30*time.Second),
		DiscordBotToken: strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		TickResolution:  envDurationDefault("TICK_RESOLUTION", 30*time.Second),
		TickConcurrency: envIntDefault("TICK_CONCURRENCY", 8),
		TickGuardTTL:    envDurationDefault("TICK_GUARD_TTL", 2*time.Minute),
		LedgerTimeout:   envDurationDefault("LEDGER_TIMEOUT", 3*time.Second),
		DividendCron:    envDefault("DIVIDEND_CRON", "0 0 * * * *"),
		EventExpiryCron: envDefault("EVENT_EXPIRY_CRON", "0 * * * * *"),
		NotifyQueueSize: envIntDefault("NOTIFY_QUEUE_SIZE", 1024),
		StartingBalance: balance,
		AutoMigrate:     envBoolDefault("AUTO_MIGRATE", true),
		ShutdownTimeout: envDurationDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if cfg.TickResolution <= 0 {
		return cfg, errors.New("TICK_RESOLUTION must be positive")
	}
	if cfg.NotifyQueueSize <= 0 {
		return cfg, errors.New("NOTIFY_QUEUE_SIZE must be positive")
	}
	if cfg.StartingBalance.IsNegative() {
		return cfg, errors.New("STARTING_BALANCE must not be negative")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
