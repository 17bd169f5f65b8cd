package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	SMTP      SMTPConfig
	Webhook   WebhookConfig
}

type ServerConfig struct {
	Address string
	BaseURL string
}

type DatabaseConfig struct {
	PostgresURL    string
	MigrateOnStart bool
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type QueueConfig struct {
	Driver      string
	AMQPURL     string
	Name        string
	Concurrency int
	Attempts    int
	BackoffBase time.Duration
}

type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// MaxWait caps how long a job holds its delivery waiting for a slot.
	MaxWait    time.Duration
	DeferDelay time.Duration
}

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	SkipTLSVerify bool
	FromName      string
	FromEmail     string
	SendTimeout   time.Duration
}

// Enabled reports whether a real SMTP relay is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

const (
	QueueDriverMemory = "memory"
	QueueDriverAMQP   = "amqp"
)

// LoadAll reads the whole configuration tree from the environment. Every
// missing or malformed variable is reported in the returned error.
func LoadAll() (*Config, error) {
	var errs []error

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
			BaseURL: strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/"),
		},
		Database: DatabaseConfig{
			PostgresURL:    requireEnv("POSTGRES_URL", &errs),
			MigrateOnStart: getEnvBool("DB_MIGRATE_ON_START", false, &errs),
		},
		Redis: loadRedisConfig(&errs),
		Queue: QueueConfig{
			Driver:      strings.ToLower(getEnv("QUEUE_DRIVER", QueueDriverMemory)),
			AMQPURL:     os.Getenv("AMQP_URL"),
			Name:        getEnv("QUEUE_NAME", "email-queue"),
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 5, &errs),
			Attempts:    getEnvInt("JOB_ATTEMPTS", 3, &errs),
			BackoffBase: time.Duration(getEnvInt("JOB_BACKOFF_MS", 5000, &errs)) * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Max:        getEnvInt("RATE_LIMIT_MAX", 100, &errs),
			Window:     time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 3600, &errs)) * time.Second,
			MaxWait:    time.Duration(getEnvInt("RATE_LIMIT_MAX_WAIT_SECONDS", 60, &errs)) * time.Second,
			DeferDelay: time.Duration(getEnvInt("RATE_LIMIT_DEFER_SECONDS", 60, &errs)) * time.Second,
		},
		SMTP: SMTPConfig{
			Host:          os.Getenv("SMTP_HOST"),
			Port:          getEnvInt("SMTP_PORT", 587, &errs),
			Username:      os.Getenv("SMTP_USER"),
			Password:      os.Getenv("SMTP_PASSWORD"),
			SkipTLSVerify: getEnvBool("SMTP_SKIP_TLS_VERIFY", false, &errs),
			FromName:      getEnv("FROM_NAME", "Email Campaign"),
			FromEmail:     os.Getenv("FROM_EMAIL"),
			SendTimeout:   time.Duration(getEnvInt("SMTP_SEND_TIMEOUT_SECONDS", 30, &errs)) * time.Second,
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("WEBHOOK_URL"),
			Timeout: time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 5, &errs)) * time.Second,
		},
	}

	errs = append(errs, validate(cfg)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func loadRedisConfig(errs *[]error) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0, errs),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	switch cfg.Queue.Driver {
	case QueueDriverMemory:
	case QueueDriverAMQP:
		if cfg.Queue.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required when QUEUE_DRIVER=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUEUE_DRIVER must be %q or %q, got %q", QueueDriverMemory, QueueDriverAMQP, cfg.Queue.Driver))
	}
	if cfg.Queue.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be > 0"))
	}
	if cfg.Queue.Attempts <= 0 {
		errs = append(errs, errors.New("JOB_ATTEMPTS must be > 0"))
	}
	if cfg.Queue.BackoffBase < 0 {
		errs = append(errs, errors.New("JOB_BACKOFF_MS must be >= 0"))
	}
	if cfg.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be > 0"))
	}
	if cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_SECONDS must be > 0"))
	}
	if cfg.RateLimit.MaxWait < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX_WAIT_SECONDS must be >= 0"))
	}
	if cfg.RateLimit.DeferDelay <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_DEFER_SECONDS must be > 0"))
	}
	if cfg.SMTP.Enabled() && cfg.SMTP.FromEmail == "" {
		errs = append(errs, errors.New("FROM_EMAIL is required when SMTP_HOST is set"))
	}
	return errs
}

func requireEnv(key string, errs *[]error) string {
	val := os.Getenv(key)
	if val == "" {
		*errs = append(*errs, fmt.Errorf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid int for env %s: %s", key, v))
		return def
	}
	return i
}

func getEnvBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid bool for env %s: %s", key, v))
		return def
	}
	return b
}
