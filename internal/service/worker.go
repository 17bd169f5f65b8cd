package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/mailer"
	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/queue"
	"github.com/unclebandit/mailstorm-backend/internal/ratelimit"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
)

// SendWorker handles one send job per call. The queue supplies concurrency and
// retries; the worker supplies the rate limit, the status writes and the
// completion check.
type SendWorker struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Transport     mailer.Transport
	Completion    *CompletionDetector
	Limiter       ratelimit.Limiter
	From          string

	// MaxLimiterWait caps how long a delivery waits for a send slot before it
	// is handed back to the queue as throttled. Zero waits as long as ctx allows.
	MaxLimiterWait time.Duration
	// ThrottleDelay is how long a throttled job is parked before redelivery.
	ThrottleDelay time.Duration
}

// settleTimeout bounds the bookkeeping that must land once a side effect has
// happened, even if the caller's context is gone by then.
const settleTimeout = 5 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Handle matches queue.Handler.
func (w *SendWorker) Handle(ctx context.Context, d queue.Delivery) error {
	job := d.Job.Data
	log := slog.With("campaign_id", job.CampaignID, "recipient_id", job.RecipientID, "attempt", d.Attempt)

	if missing := job.MissingFields(); len(missing) > 0 {
		err := appErrors.NewMalformedJob(missing...)
		log.Warn("rejecting job", "err", err)
		if job.CampaignID > 0 && job.OwnerID > 0 {
			w.checkCompletion(ctx, job)
		}
		return err
	}

	err := w.send(ctx, log, job)
	if _, throttled := appErrors.IsThrottled(err); throttled {
		return err
	}
	if err == nil || appErrors.IsPermanent(err) || d.Final() {
		w.checkCompletion(ctx, job)
	}
	return err
}

// acquire takes a send slot. A wait longer than MaxLimiterWait becomes a
// ThrottledError so the queue can park the job instead of holding it.
func (w *SendWorker) acquire(ctx context.Context) (func(), error) {
	if w.Limiter == nil {
		return func() {}, nil
	}

	waitCtx := ctx
	if w.MaxLimiterWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.MaxLimiterWait)
		defer cancel()
	}

	release, err := w.Limiter.Acquire(waitCtx)
	if err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return nil, appErrors.NewThrottled(w.ThrottleDelay)
		}
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return release, nil
}

func (w *SendWorker) send(ctx context.Context, log *slog.Logger, job model.SendJob) error {
	campaign, err := w.CampaignRepo.GetByID(ctx, job.CampaignID, job.OwnerID)
	if err != nil {
		if appErrors.IsCampaignNotFound(err) {
			log.Info("campaign gone, skipping send")
			return appErrors.NewCampaignNotActive(job.CampaignID, "")
		}
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign.Status == model.CampaignPaused {
		log.Info("campaign paused, skipping send")
		return appErrors.NewCampaignNotActive(job.CampaignID, string(campaign.Status))
	}

	recipient, err := w.RecipientRepo.GetByID(ctx, job.RecipientID, job.OwnerID)
	if err != nil {
		if appErrors.IsRecipientNotFound(err) {
			return appErrors.NewCampaignNotActive(job.CampaignID, "")
		}
		return fmt.Errorf("load recipient: %w", err)
	}
	if !model.CanTransition(recipient.Status, model.RecipientSent) {
		// a duplicate delivery, or the recipient unsubscribed after enqueue
		log.Info("recipient already settled, skipping send", "status", recipient.Status)
		return nil
	}

	// only jobs that will actually send spend the budget
	release, err := w.acquire(ctx)
	if err != nil {
		if _, throttled := appErrors.IsThrottled(err); throttled {
			log.Info("send budget exhausted, deferring job", "max_wait", w.MaxLimiterWait.String())
		}
		return err
	}
	defer release()

	if w.Limiter != nil {
		// the campaign may have been paused while this job waited for a slot
		campaign, err = w.CampaignRepo.GetByID(ctx, job.CampaignID, job.OwnerID)
		if err != nil {
			if appErrors.IsCampaignNotFound(err) {
				return appErrors.NewCampaignNotActive(job.CampaignID, "")
			}
			return fmt.Errorf("reload campaign: %w", err)
		}
		if campaign.Status == model.CampaignPaused {
			log.Info("campaign paused while waiting for a send slot")
			return appErrors.NewCampaignNotActive(job.CampaignID, string(campaign.Status))
		}
	}

	body := Personalize(job.Body, job.Name, job.To)
	msg := mailer.Message{
		From:    w.From,
		To:      job.To,
		Subject: Personalize(job.Subject, job.Name, job.To),
		HTML:    body,
		Text:    mailer.StripTags(body),
	}

	sendErr := w.Transport.Send(ctx, msg)

	// the attempt happened; record it even if ctx was cancelled meanwhile
	writeCtx, cancel := detached(ctx)
	defer cancel()

	if sendErr != nil {
		if _, err := w.RecipientRepo.UpdateStatus(writeCtx, job.RecipientID, job.OwnerID, model.RecipientFailed, sendErr.Error()); err != nil {
			log.Error("failed to record send failure", "err", err)
		}
		log.Warn("send failed", "to", job.To, "err", sendErr)
		return appErrors.NewTransportError(sendErr)
	}

	ok, err := w.RecipientRepo.UpdateStatus(writeCtx, job.RecipientID, job.OwnerID, model.RecipientSent, "")
	if err != nil {
		// the mail is out; retrying would send it twice
		log.Error("sent but failed to record status", "err", err)
		return nil
	}
	if !ok {
		log.Warn("sent but status not updated", "err", appErrors.ErrInvalidTransition)
	}
	log.Info("email sent", "to", job.To)
	return nil
}

func (w *SendWorker) checkCompletion(ctx context.Context, job model.SendJob) {
	if w.Completion == nil {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.Completion.Check(ctx, job.CampaignID, job.OwnerID); err != nil {
		slog.Error("completion check failed", "campaign_id", job.CampaignID, "err", err)
	}
}
