package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/model"
)

// SendEmailJob is the job name carried by every send job.
const SendEmailJob = "send-email"

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a durable, at-least-once job broker with per-job retry policy.
type Queue interface {
	// EnqueueBatch submits every job or none of them.
	EnqueueBatch(ctx context.Context, jobs []Job) error
	// Consume runs handler with the queue's concurrency until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Handler processes one delivery. A nil error acks it and a permanent error
// (appErrors.IsPermanent) drops it. A throttled error defers it without using
// up an attempt. Any other error redelivers it after backoff while attempts remain.
type Handler func(ctx context.Context, d Delivery) error

type Job struct {
	Name string        `json:"name"`
	Data model.SendJob `json:"data"`
	Opts JobOptions    `json:"opts"`
}

type JobOptions struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

type Backoff struct {
	Type  string `json:"type"`
	Delay int64  `json:"delay"` // milliseconds
}

// DefaultJobOptions is three attempts with exponential backoff from five seconds.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 5000},
	}
}

// Duration is the wait before the attempt that follows the given failed attempt.
func (b Backoff) Duration(failedAttempt int) time.Duration {
	base := time.Duration(b.Delay) * time.Millisecond
	if failedAttempt < 1 || base <= 0 {
		return base
	}
	if b.Type != BackoffExponential {
		return base
	}
	shift := failedAttempt - 1
	if shift > 20 {
		shift = 20
	}
	return base << shift
}

func NewSendJob(data model.SendJob, opts JobOptions) Job {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return Job{Name: SendEmailJob, Data: data, Opts: opts}
}

// Delivery is one attempt at a job. Attempt is 1-based.
type Delivery struct {
	Job     Job
	Attempt int
}

func (d Delivery) MaxAttempts() int {
	if d.Job.Opts.Attempts <= 0 {
		return 1
	}
	return d.Job.Opts.Attempts
}

// Final reports whether no further attempt follows this one.
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts()
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDrop
	outcomeDefer
)

// DefaultThrottleDelay applies when a throttled error carries no delay.
const DefaultThrottleDelay = time.Minute

// settle decides what happens to a delivery after its handler returned err.
func settle(d Delivery, err error) (outcome, time.Duration) {
	logArgs := []any{
		"job", d.Job.Name,
		"campaign_id", d.Job.Data.CampaignID,
		"recipient_id", d.Job.Data.RecipientID,
		"attempt", d.Attempt,
		"max_attempts", d.MaxAttempts(),
	}

	switch {
	case err == nil:
		return outcomeAck, 0
	case isThrottled(err):
		throttled, _ := appErrors.IsThrottled(err)
		delay := throttled.RetryAfter
		if delay <= 0 {
			delay = DefaultThrottleDelay
		}
		slog.Info("job throttled, deferring", append(logArgs, "delay", delay.String())...)
		return outcomeDefer, delay
	case appErrors.IsPermanent(err):
		slog.Warn("job failed permanently", append(logArgs, "err", err)...)
		return outcomeDrop, 0
	default:
		// Transport failures and unclassified errors (a store blip) follow the retry policy.
		if d.Final() {
			exhausted := &appErrors.RetryExhaustedError{Attempts: d.Attempt, Err: err}
			slog.Error("job retries exhausted", append(logArgs, "err", exhausted)...)
			return outcomeDrop, 0
		}
		delay := d.Job.Opts.Backoff.Duration(d.Attempt)
		slog.Warn("job failed, scheduling retry", append(logArgs, "delay", delay.String(), "err", err)...)
		return outcomeRetry, delay
	}
}

func isThrottled(err error) bool {
	_, ok := appErrors.IsThrottled(err)
	return ok
}
