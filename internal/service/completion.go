package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/unclebandit/mailstorm-backend/internal/repository"
)

// CompletionDetector moves a campaign to completed once none of its
// recipients is pending. It is called from many workers at once; the final
// write is a single conditional update, so redundant calls are harmless.
type CompletionDetector struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
}

func (d *CompletionDetector) Check(ctx context.Context, campaignID, ownerID int64) (bool, error) {
	pending, err := d.RecipientRepo.PendingCount(ctx, campaignID, ownerID)
	if err != nil {
		return false, fmt.Errorf("count pending recipients: %w", err)
	}
	if pending > 0 {
		slog.Debug("campaign still has pending recipients", "campaign_id", campaignID, "pending", pending)
		return false, nil
	}

	completed, err := d.CampaignRepo.MarkCompletedIfDrained(ctx, campaignID, ownerID)
	if err != nil {
		return false, fmt.Errorf("mark campaign completed: %w", err)
	}
	if completed {
		slog.Info("campaign completed", "campaign_id", campaignID, "owner_id", ownerID)
	}
	return completed, nil
}
