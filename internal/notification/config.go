package notification

import (
	"os"
	"strconv"
	"time"
)

// Config holds pipeline tuning. All values have defaults and can be
// overridden via environment variables.
type Config struct {
	// Retry policy
	MaxRetryAttempts  int           // Default: 3 retries after the initial attempt
	RetryDelay        time.Duration // Default: 5 seconds, base of the exponential backoff
	BackoffMultiplier int           // Default: 2

	// Provider calls
	ProviderTimeout time.Duration // Default: 30 seconds per Send

	// In-flight lock held while a worker owns a job
	LockTTL time.Duration // Default: 60 seconds
}

// DefaultConfig returns the pipeline defaults.
//
// Retry schedule with defaults (maxRetries=3, base=5s, multiplier=2):
//   - Attempt 1: immediate
//   - Attempt 2: after 5s
//   - Attempt 3: after 10s
//   - Attempt 4: after 20s
//   - Then: dead letter
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  3,
		RetryDelay:        5 * time.Second,
		BackoffMultiplier: 2,
		ProviderTimeout:   30 * time.Second,
		LockTTL:           60 * time.Second,
	}
}

// LoadConfig loads pipeline configuration from environment variables.
// Environment variables:
//   - MAX_RETRY_ATTEMPTS: retries after the initial attempt (default: 3)
//   - RETRY_DELAY_MS: base backoff delay in milliseconds (default: 5000)
//   - BACKOFF_MULTIPLIER: exponential backoff multiplier (default: 2)
//   - PROVIDER_TIMEOUT_MS: per-call provider timeout (default: 30000)
//   - QUEUE_LOCK_TTL_SECONDS: in-flight lock TTL (default: 60)
func LoadConfig() Config {
	cfg := DefaultConfig()

	if n, ok := envInt("MAX_RETRY_ATTEMPTS"); ok && n >= 0 {
		cfg.MaxRetryAttempts = n
	}
	if n, ok := envInt("RETRY_DELAY_MS"); ok && n > 0 {
		cfg.RetryDelay = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("BACKOFF_MULTIPLIER"); ok && n > 1 {
		cfg.BackoffMultiplier = n
	}
	if n, ok := envInt("PROVIDER_TIMEOUT_MS"); ok && n > 0 {
		cfg.ProviderTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("QUEUE_LOCK_TTL_SECONDS"); ok && n > 0 {
		cfg.LockTTL = time.Duration(n) * time.Second
	}

	return cfg
}

// Backoff returns the delay before retry attempt n (n >= 1):
// base * multiplier^(n-1).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(c.BackoffMultiplier)
	}
	return delay
}

// WorkerConfig holds per-pool worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of goroutines per queue pool.
	Concurrency         int
	PriorityConcurrency int

	// BatchSize is how many jobs one poll fetches.
	BatchSize int

	// PollInterval paces the fetch loop when the queue is idle.
	PollInterval time.Duration

	// DelayedPollInterval paces promotion of due retries.
	DelayedPollInterval time.Duration

	// ShutdownTimeout bounds the drain of in-flight jobs on stop.
	ShutdownTimeout time.Duration

	// WorkerPrefix identifies this process in logs and lock values.
	WorkerPrefix string
}

// DefaultWorkerConfig returns sensible worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:         10,
		PriorityConcurrency: 20,
		BatchSize:           10,
		PollInterval:        250 * time.Millisecond,
		DelayedPollInterval: 1 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		WorkerPrefix:        "dispatch-worker",
	}
}

// LoadWorkerConfig loads worker configuration from environment variables.
// Environment variables:
//   - QUEUE_CONCURRENCY: regular pool size (default: 10)
//   - PRIORITY_QUEUE_CONCURRENCY: priority pool size (default: 20)
//   - WORKER_BATCH_SIZE: jobs per poll (default: 10)
//   - WORKER_POLL_MS: idle poll interval (default: 250)
//   - WORKER_SHUTDOWN_TIMEOUT_SECONDS: drain deadline (default: 30)
func LoadWorkerConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()

	if n, ok := envInt("QUEUE_CONCURRENCY"); ok && n > 0 {
		cfg.Concurrency = n
	}
	if n, ok := envInt("PRIORITY_QUEUE_CONCURRENCY"); ok && n > 0 {
		cfg.PriorityConcurrency = n
	}
	if n, ok := envInt("WORKER_BATCH_SIZE"); ok && n > 0 {
		cfg.BatchSize = n
	}
	if n, ok := envInt("WORKER_POLL_MS"); ok && n > 0 {
		cfg.PollInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("WORKER_SHUTDOWN_TIMEOUT_SECONDS"); ok && n > 0 {
		cfg.ShutdownTimeout = time.Duration(n) * time.Second
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
