package config

import (
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"SERVER_ADDRESS", "APP_BASE_URL", "POSTGRES_URL", "DB_MIGRATE_ON_START",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"QUEUE_DRIVER", "AMQP_URL", "QUEUE_NAME", "WORKER_CONCURRENCY", "JOB_ATTEMPTS", "JOB_BACKOFF_MS",
	"RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_MAX_WAIT_SECONDS", "RATE_LIMIT_DEFER_SECONDS",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "SMTP_SKIP_TLS_VERIFY",
	"FROM_NAME", "FROM_EMAIL", "SMTP_SEND_TIMEOUT_SECONDS",
	"WEBHOOK_URL", "WEBHOOK_TIMEOUT_SECONDS",
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadAll_Defaults(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/mail?sslmode=disable")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Server.Address)
	}
	if cfg.Queue.Driver != QueueDriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Concurrency != 5 || cfg.Queue.Attempts != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.BackoffBase != 5*time.Second {
		t.Fatalf("expected 5s backoff, got %v", cfg.Queue.BackoffBase)
	}
	if cfg.RateLimit.Max != 100 || cfg.RateLimit.Window != time.Hour || cfg.RateLimit.MaxWait != time.Minute || cfg.RateLimit.DeferDelay != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Redis.Enabled {
		t.Fatalf("expected redis disabled without REDIS_ADDR")
	}
	if cfg.SMTP.Enabled() {
		t.Fatalf("expected SMTP disabled without SMTP_HOST")
	}
}

func TestLoadAll_TrimsBaseURL(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://x")
	t.Setenv("APP_BASE_URL", "https://mail.example.com/")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if cfg.Server.BaseURL != "https://mail.example.com" {
		t.Fatalf("expected trimmed base url, got %q", cfg.Server.BaseURL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
}

func TestLoadAll_ReportsAllErrors(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("QUEUE_DRIVER", "amqp")
	t.Setenv("WORKER_CONCURRENCY", "abc")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	msg := err.Error()
	for _, want := range []string{
		"missing required env var: POSTGRES_URL",
		"AMQP_URL is required",
		"invalid int for env WORKER_CONCURRENCY",
		"FROM_EMAIL is required",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got: %v", want, err)
		}
	}
}

func TestLoadAll_RejectsUnknownDriver(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("POSTGRES_URL", "postgres://x")
	t.Setenv("QUEUE_DRIVER", "kafka")

	if _, err := LoadAll(); err == nil || !strings.Contains(err.Error(), "QUEUE_DRIVER") {
		t.Fatalf("expected QUEUE_DRIVER error, got %v", err)
	}
}
