// Package app wires the send pipeline from configuration. The server and the
// standalone worker share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/mailstorm-backend/internal/config"
	"github.com/unclebandit/mailstorm-backend/internal/mailer"
	"github.com/unclebandit/mailstorm-backend/internal/queue"
	"github.com/unclebandit/mailstorm-backend/internal/ratelimit"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
	"github.com/unclebandit/mailstorm-backend/internal/service"
)

const rateLimitKey = "mailstorm:send-window"

// OpenRedis returns nil when Redis is not configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("connected to redis", "addr", cfg.Address)
	return rdb, nil
}

// NewLimiter shares the window through Redis when available, otherwise the
// window is local to this process.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client) ratelimit.Limiter {
	if rdb != nil {
		return ratelimit.NewRedisWindow(rdb, rateLimitKey, cfg.Max, cfg.Window)
	}
	slog.Warn("redis not configured, rate limit applies per process", "max", cfg.Max, "window", cfg.Window)
	return ratelimit.NewLocalWindow(cfg.Max, cfg.Window)
}

// NewTransport returns the SMTP transport and its sender address, or the log
// transport when no relay is configured.
func NewTransport(cfg config.SMTPConfig) (mailer.Transport, string) {
	if !cfg.Enabled() {
		slog.Warn("SMTP_HOST not set, emails will only be logged")
		return mailer.LogTransport{}, cfg.FromEmail
	}
	t := mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Username:      cfg.Username,
		Password:      cfg.Password,
		SkipTLSVerify: cfg.SkipTLSVerify,
		FromName:      cfg.FromName,
		FromEmail:     cfg.FromEmail,
		Timeout:       cfg.SendTimeout,
	})
	return t, t.From()
}

func NewSendWorker(cfg *config.Config, db *sql.DB, rdb *redis.Client) *service.SendWorker {
	campaignRepo := &repository.CampaignRepository{DB: db}
	recipientRepo := &repository.RecipientRepository{DB: db}
	transport, from := NewTransport(cfg.SMTP)

	return &service.SendWorker{
		CampaignRepo:  campaignRepo,
		RecipientRepo: recipientRepo,
		Transport:     transport,
		Completion:    &service.CompletionDetector{CampaignRepo: campaignRepo, RecipientRepo: recipientRepo},
		Limiter:       NewLimiter(cfg.RateLimit, rdb),
		From:          from,

		MaxLimiterWait: cfg.RateLimit.MaxWait,
		ThrottleDelay:  cfg.RateLimit.DeferDelay,
	}
}

// NewQueue opens the configured broker.
func NewQueue(cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Driver {
	case config.QueueDriverAMQP:
		q, err := queue.DialAMQP(queue.AMQPOptions{
			URL:         cfg.AMQPURL,
			Name:        cfg.Name,
			Concurrency: cfg.Concurrency,
			MaxAttempts: cfg.Attempts,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(queue.MemoryOptions{Concurrency: cfg.Concurrency}), nil
	}
}

func JobOptions(cfg config.QueueConfig) queue.JobOptions {
	opts := queue.DefaultJobOptions()
	opts.Attempts = cfg.Attempts
	opts.Backoff.Delay = cfg.BackoffBase.Milliseconds()
	return opts
}
