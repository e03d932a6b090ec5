package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 2, cfg.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("RETRY_DELAY_MS", "1000")
	t.Setenv("BACKOFF_MULTIPLIER", "3")
	t.Setenv("PROVIDER_TIMEOUT_MS", "10000")

	cfg := LoadConfig()

	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 1*time.Second, cfg.RetryDelay)
	assert.Equal(t, 3, cfg.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)
}

func TestLoadConfig_IgnoresGarbage(t *testing.T) {
	t.Setenv("MAX_RETRY_ATTEMPTS", "lots")
	t.Setenv("RETRY_DELAY_MS", "-50")

	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
}

func TestLoadWorkerConfig(t *testing.T) {
	cfg := LoadWorkerConfig()
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 20, cfg.PriorityConcurrency)

	t.Setenv("QUEUE_CONCURRENCY", "4")
	t.Setenv("PRIORITY_QUEUE_CONCURRENCY", "8")
	t.Setenv("WORKER_BATCH_SIZE", "25")

	cfg = LoadWorkerConfig()
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 8, cfg.PriorityConcurrency)
	assert.Equal(t, 25, cfg.BatchSize)
}

func TestConfigBackoff_CustomMultiplier(t *testing.T) {
	cfg := Config{RetryDelay: time.Second, BackoffMultiplier: 3}

	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 3*time.Second, cfg.Backoff(2))
	assert.Equal(t, 9*time.Second, cfg.Backoff(3))
	// Out-of-range attempt numbers clamp to the first attempt.
	assert.Equal(t, time.Second, cfg.Backoff(0))
}
