// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Update delivery modes.
const (
	ModePoll    = "poll"
	ModeWebhook = "webhook"
)

// Config holds application settings. It is read once at startup.
type Config struct {
	// Telegram
	TelegramToken string
	MockTelegram  bool
	UpdateMode    string
	PollTimeout   time.Duration
	WebhookURL    string
	WebhookSecret string
	SendRate      float64

	// Bot
	Password       string
	PasswordHash   string
	OperatorChatID int64

	// Crawl
	CrawlInterval time.Duration
	FetchTimeout  time.Duration
	MaxPages      int
	DryRun        bool

	// Storage
	DatabaseURL    string
	StorageBucket  string
	GCSEndpoint    string
	GCSCredentials string
	LocalStorage   string

	// Server
	Port      string
	PollToken string

	LogLevel slog.Level
}

// Load reads Config from the environment.
// It fails if required variables are unset or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{
		MockTelegram: getEnvBool("MOCK_TELEGRAM"),
		UpdateMode:   strings.ToLower(getEnvString("UPDATE_MODE", ModePoll)),
		WebhookURL:   os.Getenv("WEBHOOK_URL"),
		Password:     os.Getenv("BOT_PASSWORD"),
		PasswordHash: os.Getenv("BOT_PASSWORD_HASH"),
	}

	var missing []string

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken == "" && !cfg.MockTelegram {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if cfg.Password == "" && cfg.PasswordHash == "" {
		missing = append(missing, "BOT_PASSWORD or BOT_PASSWORD_HASH")
	}
	if cfg.UpdateMode == ModeWebhook && cfg.WebhookURL == "" {
		missing = append(missing, "WEBHOOK_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.PollTimeout = getEnvDuration("POLL_TIMEOUT", 30*time.Second)
	cfg.WebhookSecret = getEnvString("WEBHOOK_SECRET", uuid.NewString())
	cfg.SendRate = getEnvFloat("SEND_RATE", 20)
	cfg.OperatorChatID = getEnvInt64("OPERATOR_CHAT_ID", 0)
	cfg.CrawlInterval = getEnvDuration("CRAWL_INTERVAL", 15*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.MaxPages = getEnvInt("MAX_PAGES", 50)
	cfg.DryRun = getEnvBool("DRY_RUN")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.StorageBucket = os.Getenv("STORAGE_BUCKET")
	cfg.GCSEndpoint = os.Getenv("GCS_ENDPOINT")
	cfg.GCSCredentials = os.Getenv("GOOGLE_CREDENTIALS_JSON")
	cfg.LocalStorage = getEnvString("LOCAL_STORAGE", "./data")
	cfg.Port = getEnvString("PORT", "8080")
	cfg.PollToken = os.Getenv("POLL_TOKEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.UpdateMode != ModePoll && c.UpdateMode != ModeWebhook {
		errs = append(errs, fmt.Errorf("UPDATE_MODE must be %q or %q, got %q", ModePoll, ModeWebhook, c.UpdateMode))
	}
	if c.PollTimeout < time.Second {
		errs = append(errs, errors.New("POLL_TIMEOUT must be at least 1s"))
	}
	if c.CrawlInterval < time.Minute {
		errs = append(errs, errors.New("CRAWL_INTERVAL must be at least 1m"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT must be positive"))
	}
	if c.MaxPages < 1 {
		errs = append(errs, errors.New("MAX_PAGES must be at least 1"))
	}
	if c.SendRate <= 0 {
		errs = append(errs, errors.New("SEND_RATE must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
