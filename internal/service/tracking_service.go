package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
)

// OpenNotifier receives first-open events, e.g. the webhook client.
type OpenNotifier interface {
	NotifyOpen(ctx context.Context, n model.OpenNotification) error
}

type OpenRequest struct {
	CampaignID    int64
	RecipientID   int64
	OwnerID       int64
	UserAgent     string
	SourceAddress string
}

type OpenResult struct {
	FirstOpen bool
	Open      *model.EmailOpen
}

type TrackingService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	OpenRepo      repository.EmailOpenRepositoryInterface
	Sink          *NotificationSink
	Notifier      OpenNotifier     // optional
	Templates     *TemplateService // renders the browser view

	webhooks sync.WaitGroup
}

// EmailView is the browser copy of one recipient's email.
type EmailView struct {
	Subject string
	HTML    string
}

// RecordOpenIfAbsent records the recipient's first open of the campaign. Only
// the call whose insert wins reports FirstOpen and triggers the status update,
// the notification and the webhook; every other call is logged and ignored.
func (s *TrackingService) RecordOpenIfAbsent(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	campaign, recipient, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if recipient.CampaignID != campaign.ID {
		return nil, appErrors.NewRecipientNotFound(req.RecipientID)
	}
	return s.recordOpen(ctx, campaign, recipient, req)
}

// ViewEmail renders the browser copy and counts the visit as an open. A
// failure to record the open is logged; the page is still served.
func (s *TrackingService) ViewEmail(ctx context.Context, req OpenRequest) (*EmailView, error) {
	campaign, recipient, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if recipient.CampaignID != campaign.ID {
		return nil, appErrors.ErrRecipientMismatch
	}

	if _, err := s.recordOpen(ctx, campaign, recipient, req); err != nil {
		slog.Error("failed to record open from browser view", "campaign_id", req.CampaignID, "recipient_id", req.RecipientID, "err", err)
	}

	subject, page := s.Templates.RenderView(campaign, *recipient)
	return &EmailView{Subject: subject, HTML: page}, nil
}

// Wait blocks until in-flight webhook deliveries finish.
func (s *TrackingService) Wait() {
	s.webhooks.Wait()
}

func (s *TrackingService) resolve(ctx context.Context, req OpenRequest) (*model.Campaign, *model.Recipient, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, req.CampaignID, req.OwnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve campaign: %w", err)
	}
	recipient, err := s.RecipientRepo.GetByID(ctx, req.RecipientID, req.OwnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve recipient: %w", err)
	}
	return campaign, recipient, nil
}

func (s *TrackingService) recordOpen(ctx context.Context, campaign *model.Campaign, recipient *model.Recipient, req OpenRequest) (*OpenResult, error) {
	open := &model.EmailOpen{
		CampaignID:    req.CampaignID,
		RecipientID:   req.RecipientID,
		OwnerID:       req.OwnerID,
		UserAgent:     req.UserAgent,
		SourceAddress: req.SourceAddress,
	}
	first, err := s.OpenRepo.InsertIfAbsent(ctx, open)
	if err != nil {
		return nil, fmt.Errorf("insert open: %w", err)
	}

	log := slog.With("campaign_id", req.CampaignID, "recipient_id", req.RecipientID, "owner_id", req.OwnerID)
	if !first {
		log.Debug("repeat open ignored")
		return &OpenResult{FirstOpen: false}, nil
	}

	// the open row exists now; a client hanging up must not strand the status
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if _, err := s.RecipientRepo.UpdateStatus(writeCtx, req.RecipientID, req.OwnerID, model.RecipientOpened, ""); err != nil {
		log.Error("failed to mark recipient opened", "err", err)
	}

	if open.OpenedAt.IsZero() {
		open.OpenedAt = time.Now()
	}
	n := model.OpenNotification{
		ID:             uuid.NewString(),
		CampaignID:     campaign.ID,
		RecipientID:    recipient.ID,
		OwnerID:        req.OwnerID,
		CampaignName:   campaign.Name,
		RecipientEmail: recipient.Email,
		RecipientName:  recipient.Name,
		IsFirstOpen:    true,
		Timestamp:      open.OpenedAt,
		UserAgent:      req.UserAgent,
		SourceAddress:  req.SourceAddress,
	}
	if s.Sink != nil {
		s.Sink.Add(n)
	}
	if s.Notifier != nil {
		// delivered off the request path so the pixel is not held up
		hookCtx := context.WithoutCancel(ctx)
		s.webhooks.Add(1)
		go func() {
			defer s.webhooks.Done()
			if err := s.Notifier.NotifyOpen(hookCtx, n); err != nil {
				log.Warn("open webhook failed", "err", err)
			}
		}()
	}

	log.Info("first open recorded", "email", recipient.Email)
	return &OpenResult{FirstOpen: true, Open: open}, nil
}

// Unsubscribe moves the recipient to unsubscribed. It returns false when the
// recipient was already unsubscribed.
func (s *TrackingService) Unsubscribe(ctx context.Context, campaignID, recipientID, ownerID int64) (bool, error) {
	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID, ownerID)
	if err != nil {
		return false, err
	}
	if recipient.CampaignID != campaignID {
		return false, appErrors.NewRecipientNotFound(recipientID)
	}
	return s.RecipientRepo.UpdateStatus(ctx, recipientID, ownerID, model.RecipientUnsubscribed, "")
}

func (s *TrackingService) CampaignOpens(ctx context.Context, campaignID, ownerID int64) ([]model.EmailOpen, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID); err != nil {
		return nil, err
	}
	return s.OpenRepo.ListByCampaign(ctx, campaignID, ownerID)
}

func (s *TrackingService) RecentOpens(ctx context.Context, ownerID int64, limit, offset int) ([]model.EmailOpen, error) {
	return s.OpenRepo.ListRecent(ctx, ownerID, limit, offset)
}
