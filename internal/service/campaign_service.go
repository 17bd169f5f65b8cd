// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/unclebandit/mailstorm-backend/internal/model"
	"github.com/unclebandit/mailstorm-backend/internal/repository"
)

var ErrInvalidCampaign = errors.New("invalid campaign")

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Dispatcher    *Dispatcher
}

type CreateCampaignInput struct {
	Name       string                 `json:"name"`
	Subject    string                 `json:"subject"`
	Body       string                 `json:"body"`
	Recipients []model.RecipientInput `json:"recipients"`
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID int64                `json:"campaign_id"`
	JobsQueued int                  `json:"jobs_queued"`
	Status     model.CampaignStatus `json:"status"`
	Skipped    []string             `json:"skipped,omitempty"`
}

type DraftResult struct {
	*model.Campaign
	Skipped []string `json:"skipped,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats *model.CampaignStats `json:"stats"`
}

// cleanRecipients trims, lower-cases and de-duplicates addresses, returning
// the invalid ones separately.
func cleanRecipients(in []model.RecipientInput) (valid []model.RecipientInput, skipped []string) {
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if _, err := mail.ParseAddress(email); err != nil || email == "" {
			skipped = append(skipped, r.Email)
			continue
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		valid = append(valid, model.RecipientInput{Email: email, Name: strings.TrimSpace(r.Name)})
	}
	return valid, skipped
}

// CreateAndSend stores a new campaign with its recipients, all pending, and dispatches it.
func (s *CampaignService) CreateAndSend(ctx context.Context, ownerID int64, in CreateCampaignInput) (*SendCampaignResult, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: name, subject and body are required", ErrInvalidCampaign)
	}
	recipients, skipped := cleanRecipients(in.Recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no valid recipients", ErrInvalidCampaign)
	}

	c := &model.Campaign{
		OwnerID:         ownerID,
		Name:            strings.TrimSpace(in.Name),
		Subject:         in.Subject,
		Body:            in.Body,
		Status:          model.CampaignDraft,
		TotalRecipients: len(recipients),
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	stored, err := s.RecipientRepo.CreateMany(ctx, c.ID, ownerID, recipients)
	if err != nil {
		return nil, fmt.Errorf("create recipients: %w", err)
	}

	n, err := s.Dispatcher.Dispatch(ctx, c, stored)
	if err != nil {
		return nil, err
	}

	return &SendCampaignResult{CampaignID: c.ID, JobsQueued: n, Status: c.Status, Skipped: skipped}, nil
}

// CreateDraft stores a campaign without dispatching it. Recipients are
// optional; the ones given are cleaned and stored pending so a later send
// picks them up.
func (s *CampaignService) CreateDraft(ctx context.Context, ownerID int64, in CreateCampaignInput) (*DraftResult, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("%w: name, subject and body are required", ErrInvalidCampaign)
	}
	recipients, skipped := cleanRecipients(in.Recipients)

	c := &model.Campaign{
		OwnerID:         ownerID,
		Name:            strings.TrimSpace(in.Name),
		Subject:         in.Subject,
		Body:            in.Body,
		Status:          model.CampaignDraft,
		TotalRecipients: len(recipients),
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	if len(recipients) > 0 {
		if _, err := s.RecipientRepo.CreateMany(ctx, c.ID, ownerID, recipients); err != nil {
			return nil, fmt.Errorf("create recipients: %w", err)
		}
	}

	slog.Info("draft campaign saved", "campaign_id", c.ID, "owner_id", ownerID, "recipients", len(recipients))
	return &DraftResult{Campaign: c, Skipped: skipped}, nil
}

// ListRecipients returns each recipient of the campaign with its open activity.
func (s *CampaignService) ListRecipients(ctx context.Context, ownerID, campaignID int64) ([]model.RecipientActivity, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID); err != nil {
		return nil, err
	}
	return s.RecipientRepo.ListWithOpens(ctx, campaignID, ownerID)
}

// SendCampaign dispatches the pending recipients of an existing draft or paused campaign.
func (s *CampaignService) SendCampaign(ctx context.Context, ownerID, campaignID int64) (*SendCampaignResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignPaused {
		return nil, fmt.Errorf("%w: cannot send campaign in status %s", ErrInvalidCampaign, c.Status)
	}
	return s.dispatchPending(ctx, c)
}

// ResendFailed resets failed recipients of a completed campaign to pending and
// dispatches them again. The completed to active claim is a conditional
// update, so concurrent calls cannot both dispatch the same recipients and an
// active campaign with jobs in flight is refused.
func (s *CampaignService) ResendFailed(ctx context.Context, ownerID, campaignID int64) (*SendCampaignResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}

	claimed, err := s.CampaignRepo.UpdateStatusIf(ctx, campaignID, ownerID, model.CampaignCompleted, model.CampaignActive)
	if err != nil {
		return nil, fmt.Errorf("claim campaign: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: only a completed campaign can resend failures, this one is %s", ErrInvalidCampaign, c.Status)
	}
	c.Status = model.CampaignActive

	reset, err := s.RecipientRepo.ResetFailed(ctx, campaignID, ownerID)
	if err != nil {
		s.revertToCompleted(ctx, c)
		return nil, fmt.Errorf("reset failed recipients: %w", err)
	}
	slog.Info("failed recipients reset", "campaign_id", campaignID, "count", reset)

	res, err := s.dispatchPending(ctx, c)
	if err != nil {
		s.revertToCompleted(ctx, c)
		return nil, err
	}
	return res, nil
}

func (s *CampaignService) revertToCompleted(ctx context.Context, c *model.Campaign) {
	if _, err := s.CampaignRepo.UpdateStatusIf(context.WithoutCancel(ctx), c.ID, c.OwnerID, model.CampaignActive, model.CampaignCompleted); err != nil {
		slog.Error("failed to revert campaign status", "campaign_id", c.ID, "err", err)
	}
	c.Status = model.CampaignCompleted
}

func (s *CampaignService) dispatchPending(ctx context.Context, c *model.Campaign) (*SendCampaignResult, error) {
	pending, err := s.RecipientRepo.ListByCampaign(ctx, c.ID, c.OwnerID, model.RecipientPending)
	if err != nil {
		return nil, fmt.Errorf("list pending recipients: %w", err)
	}
	n, err := s.Dispatcher.Dispatch(ctx, c, pending)
	if err != nil {
		return nil, err
	}
	return &SendCampaignResult{CampaignID: c.ID, JobsQueued: n, Status: c.Status}, nil
}

// PauseCampaign stops further sends. Jobs already queued are skipped by the worker.
func (s *CampaignService) PauseCampaign(ctx context.Context, ownerID, campaignID int64) error {
	ok, err := s.CampaignRepo.UpdateStatusIf(ctx, campaignID, ownerID, model.CampaignActive, model.CampaignPaused)
	if err != nil {
		return err
	}
	if !ok {
		c, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot pause campaign in status %s", ErrInvalidCampaign, c.Status)
	}
	slog.Info("campaign paused", "campaign_id", campaignID, "owner_id", ownerID)
	return nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, ownerID, campaignID int64) error {
	return s.CampaignRepo.Delete(ctx, campaignID, ownerID)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, ownerID int64, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.List(ctx, ownerID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, ownerID, campaignID int64) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetStats(ctx, campaignID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}
