package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/queue"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
)

var ErrNothingToDispatch = errors.New("no pending recipients to dispatch")

// Dispatcher turns a campaign and its pending recipients into one batch of send jobs.
type Dispatcher struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Templates    *TemplateService
	Queue        queue.Queue
	JobOptions   queue.JobOptions
}

// Dispatch activates the campaign and enqueues one job per recipient in a
// single batch. Every recipient must already be stored as pending for this
// campaign. If the enqueue fails the campaign returns to its previous status
// and nothing was published, so the call can be repeated.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Campaign, recipients []model.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, ErrNothingToDispatch
	}

	opts := d.JobOptions
	if opts.Attempts == 0 {
		opts = queue.DefaultJobOptions()
	}

	jobs := make([]queue.Job, 0, len(recipients))
	for _, r := range recipients {
		if r.CampaignID != c.ID || r.OwnerID != c.OwnerID {
			return 0, fmt.Errorf("recipient %d does not belong to campaign %d", r.ID, c.ID)
		}
		if r.Status != model.RecipientPending {
			return 0, fmt.Errorf("recipient %d is %s, expected pending", r.ID, r.Status)
		}

		subject, body := d.Templates.RenderEmail(c, r)
		jobs = append(jobs, queue.NewSendJob(model.SendJob{
			CampaignID:  c.ID,
			RecipientID: r.ID,
			OwnerID:     c.OwnerID,
			To:          r.Email,
			Name:        r.Name,
			Subject:     subject,
			Body:        body,
		}, opts))
	}

	previous := c.Status
	if previous != model.CampaignActive {
		if err := d.CampaignRepo.UpdateStatus(ctx, c.ID, c.OwnerID, model.CampaignActive); err != nil {
			return 0, fmt.Errorf("activate campaign: %w", err)
		}
	}

	if err := d.Queue.EnqueueBatch(ctx, jobs); err != nil {
		if previous != model.CampaignActive {
			// detached: the request context may be the reason the enqueue failed
			if _, rerr := d.CampaignRepo.UpdateStatusIf(context.WithoutCancel(ctx), c.ID, c.OwnerID, model.CampaignActive, previous); rerr != nil {
				slog.Error("failed to revert campaign status", "campaign_id", c.ID, "err", rerr)
			}
		}
		return 0, fmt.Errorf("enqueue %d jobs for campaign %d: %w", len(jobs), c.ID, err)
	}

	c.Status = model.CampaignActive
	slog.Info("campaign dispatched", "campaign_id", c.ID, "owner_id", c.OwnerID, "jobs", len(jobs))
	return len(jobs), nil
}
