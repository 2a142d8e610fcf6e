package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the indexer.
type Config struct {
	// Hyperliquid endpoints
	APIURL string
	WSURL  string

	// Traders to track at startup (comma-separated 0x addresses)
	TraderAddresses []string

	// Poll cadences
	PositionPollInterval time.Duration
	FillsPollInterval    time.Duration
	FundingPollInterval  time.Duration
	SnapshotInterval     time.Duration
	HybridPollInterval   time.Duration

	// Ingestion mode
	UseHybridMode bool
	BackfillDays  int

	// Database
	DatabaseURL string
	DBMaxOpen   int
	DBMaxIdle   int

	// HTTP server (read API + metrics)
	ServerPort int

	// Telegram alerts (optional)
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel string
	Debug    bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL: getEnv("HYPERLIQUID_API_URL", "https://api.hyperliquid.xyz"),
		WSURL:  getEnv("HYPERLIQUID_WS_URL", "wss://api.hyperliquid.xyz/ws"),

		PositionPollInterval: getEnvDuration("POSITION_POLL_INTERVAL", 30*time.Second),
		FillsPollInterval:    getEnvDuration("FILLS_POLL_INTERVAL", 5*time.Minute),
		FundingPollInterval:  getEnvDuration("FUNDING_POLL_INTERVAL", time.Hour),
		SnapshotInterval:     getEnvDuration("SNAPSHOT_INTERVAL", 60*time.Second),
		HybridPollInterval:   getEnvDuration("POLL_INTERVAL_MS", 5*time.Minute),

		UseHybridMode: getEnvBool("USE_HYBRID_MODE", true),
		BackfillDays:  getEnvInt("BACKFILL_DAYS", 30),

		DatabaseURL: getEnv("DATABASE_URL", "data/hltracker.db"),
		DBMaxOpen:   getEnvInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdle:   getEnvInt("DB_MAX_IDLE_CONNS", 5),

		ServerPort: getEnvInt("SERVER_PORT", 8080),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Debug:    getEnvBool("DEBUG", false),
	}

	if addrs := os.Getenv("TRADER_ADDRESSES"); addrs != "" {
		for _, a := range strings.Split(addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.TraderAddresses = append(cfg.TraderAddresses, a)
			}
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.PositionPollInterval <= 0 || cfg.FillsPollInterval <= 0 ||
		cfg.FundingPollInterval <= 0 || cfg.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("poll intervals must be positive")
	}
	if cfg.BackfillDays < 0 {
		return nil, fmt.Errorf("BACKFILL_DAYS must be >= 0")
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("invalid SERVER_PORT %d", cfg.ServerPort)
	}

	return cfg, nil
}

// AlertsEnabled reports whether Telegram alerting is configured.
func (c *Config) AlertsEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Millisecond integers are accepted for POLL_INTERVAL_MS-style keys.
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
