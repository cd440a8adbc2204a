package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"TELEGRAM_TOKEN", "MOCK_TELEGRAM", "UPDATE_MODE", "POLL_TIMEOUT", "WEBHOOK_URL",
	"WEBHOOK_SECRET", "SEND_RATE", "BOT_PASSWORD", "BOT_PASSWORD_HASH", "OPERATOR_CHAT_ID",
	"CRAWL_INTERVAL", "FETCH_TIMEOUT", "MAX_PAGES", "DRY_RUN", "DATABASE_URL",
	"STORAGE_BUCKET", "GCS_ENDPOINT", "GOOGLE_CREDENTIALS_JSON", "LOCAL_STORAGE", "PORT", "POLL_TOKEN", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("BOT_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.UpdateMode != ModePoll {
		t.Errorf("UpdateMode = %q, want %q", cfg.UpdateMode, ModePoll)
	}
	if cfg.PollTimeout != 30*time.Second {
		t.Errorf("PollTimeout = %v, want 30s", cfg.PollTimeout)
	}
	if cfg.CrawlInterval != 15*time.Minute {
		t.Errorf("CrawlInterval = %v, want 15m", cfg.CrawlInterval)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want 30s", cfg.FetchTimeout)
	}
	if cfg.MaxPages != 50 {
		t.Errorf("MaxPages = %d, want 50", cfg.MaxPages)
	}
	if cfg.SendRate != 20 {
		t.Errorf("SendRate = %v, want 20", cfg.SendRate)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.LocalStorage != "./data" {
		t.Errorf("LocalStorage = %q, want ./data", cfg.LocalStorage)
	}
	if cfg.WebhookSecret == "" {
		t.Error("WebhookSecret should default to a random value")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
	if cfg.DryRun || cfg.MockTelegram {
		t.Error("flags should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("UPDATE_MODE", "WEBHOOK")
	t.Setenv("WEBHOOK_URL", "https://bot.example/telegram/webhook")
	t.Setenv("WEBHOOK_SECRET", "fixed")
	t.Setenv("CRAWL_INTERVAL", "5m")
	t.Setenv("OPERATOR_CHAT_ID", "-1001")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_PAGES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpdateMode != ModeWebhook {
		t.Errorf("UpdateMode = %q, want webhook", cfg.UpdateMode)
	}
	if cfg.WebhookSecret != "fixed" {
		t.Errorf("WebhookSecret = %q, want fixed", cfg.WebhookSecret)
	}
	if cfg.CrawlInterval != 5*time.Minute {
		t.Errorf("CrawlInterval = %v, want 5m", cfg.CrawlInterval)
	}
	if cfg.OperatorChatID != -1001 {
		t.Errorf("OperatorChatID = %d, want -1001", cfg.OperatorChatID)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if cfg.MaxPages != 50 {
		t.Errorf("MaxPages = %d, want default 50 for unparsable value", cfg.MaxPages)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		missing string
	}{
		{"token", map[string]string{"BOT_PASSWORD": "x"}, "TELEGRAM_TOKEN"},
		{"password", map[string]string{"TELEGRAM_TOKEN": "t"}, "BOT_PASSWORD"},
		{"webhook url", map[string]string{"TELEGRAM_TOKEN": "t", "BOT_PASSWORD": "x", "UPDATE_MODE": "webhook"}, "WEBHOOK_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.missing) {
				t.Errorf("error %q does not name %s", err, tt.missing)
			}
		})
	}
}

func TestLoadMockTelegramNeedsNoToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("MOCK_TELEGRAM", "1")
	t.Setenv("BOT_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"UPDATE_MODE", "carrier-pigeon"},
		{"CRAWL_INTERVAL", "10s"},
		{"MAX_PAGES", "0"},
		{"SEND_RATE", "-1"},
		{"LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
