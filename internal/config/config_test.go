package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	// Test defaults
	os.Clearenv()
	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected default HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Expected default RedisURL, got %s", cfg.RedisURL)
	}
	if cfg.Environment != "development" {
		t.Errorf("Expected default Environment development, got %s", cfg.Environment)
	}

	// Test overrides
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://test")
	t.Setenv("REDIS_URL", "redis://test")
	t.Setenv("ENABLE_SENTRY", "true")
	t.Setenv("SENDGRID_API_KEY", "SG.test")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")

	cfg = Load()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("Expected HTTPAddr :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.DatabaseURL != "postgres://test" {
		t.Errorf("Expected DatabaseURL postgres://test, got %s", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://test" {
		t.Errorf("Expected RedisURL redis://test, got %s", cfg.RedisURL)
	}
	if !cfg.EnableSentry {
		t.Error("Expected EnableSentry to be true")
	}
	if cfg.SendGridAPIKey != "SG.test" {
		t.Errorf("Expected SendGridAPIKey SG.test, got %s", cfg.SendGridAPIKey)
	}
	if cfg.TwilioAccountSID != "AC123" {
		t.Errorf("Expected TwilioAccountSID AC123, got %s", cfg.TwilioAccountSID)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://x", RedisURL: "redis://x"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing DATABASE_URL")
	}

	cfg = Config{DatabaseURL: "postgres://x"}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing REDIS_URL")
	}
}

func TestParseBool_Invalid(t *testing.T) {
	if parseBool("tue") {
		t.Error("Expected invalid boolean to parse as false")
	}
	if parseBool("") {
		t.Error("Expected empty value to parse as false")
	}
	if !parseBool("1") {
		t.Error("Expected 1 to parse as true")
	}
}
