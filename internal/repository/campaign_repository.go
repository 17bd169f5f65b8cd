package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id, ownerID int64) (*model.Campaign, error)
	List(ctx context.Context, ownerID int64, offset, limit int, status string) ([]*model.Campaign, int, error)
	Delete(ctx context.Context, id, ownerID int64) error

	UpdateStatus(ctx context.Context, id, ownerID int64, status model.CampaignStatus) error
	UpdateStatusIf(ctx context.Context, id, ownerID int64, from, to model.CampaignStatus) (bool, error)
	MarkCompletedIfDrained(ctx context.Context, id, ownerID int64) (bool, error)

	GetStats(ctx context.Context, id, ownerID int64) (*model.CampaignStats, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

const campaignColumns = `id, user_id, name, subject, body, status, total_recipients, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }, c *model.Campaign) error {
	return row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Subject, &c.Body, &c.Status, &c.TotalRecipients, &c.CreatedAt, &c.UpdatedAt)
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (user_id, name, subject, body, status, total_recipients, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        RETURNING id, created_at
    `
	return r.DB.QueryRowContext(ctx, query, c.OwnerID, c.Name, c.Subject, c.Body, c.Status, c.TotalRecipients).
		Scan(&c.ID, &c.CreatedAt)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id, ownerID int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1 AND user_id=$2`

	var c model.Campaign
	err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, ownerID), &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) List(ctx context.Context, ownerID int64, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE user_id=$1`
	args := []interface{}{ownerID}
	if status != "" {
		where += ` AND status=$2`
		args = append(args, status)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := scanCampaign(rows, c); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// Delete removes the campaign; recipients and opens go with it through ON DELETE CASCADE.
func (r *CampaignRepository) Delete(ctx context.Context, id, ownerID int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1 AND user_id=$2`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Status ======================

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id, ownerID int64, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3 AND user_id=$4`
	res, err := r.DB.ExecContext(ctx, query, status, time.Now(), id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// UpdateStatusIf moves the campaign to `to` only while it is still in `from`.
func (r *CampaignRepository) UpdateStatusIf(ctx context.Context, id, ownerID int64, from, to model.CampaignStatus) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND user_id=$3 AND status=$4`
	res, err := r.DB.ExecContext(ctx, query, to, id, ownerID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCompletedIfDrained flips the campaign to completed in one statement, and
// only when no recipient is pending. Concurrent callers are harmless: at most
// one of them sees a row affected.
func (r *CampaignRepository) MarkCompletedIfDrained(ctx context.Context, id, ownerID int64) (bool, error) {
	query := `
        UPDATE campaigns SET status='completed', updated_at=NOW()
        WHERE id=$1 AND user_id=$2
          AND status IN ('active', 'paused')
          AND NOT EXISTS (
              SELECT 1 FROM recipients
              WHERE campaign_id=$1 AND user_id=$2 AND status='pending'
          )
    `
	res, err := r.DB.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ====================== Stats ======================

func (r *CampaignRepository) GetStats(ctx context.Context, id, ownerID int64) (*model.CampaignStats, error) {
	query := `SELECT status, COUNT(*) FROM recipients WHERE campaign_id=$1 AND user_id=$2 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, id, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.CampaignStats{}
	for rows.Next() {
		var status model.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case model.RecipientPending:
			stats.Pending = count
		case model.RecipientSent:
			stats.Sent = count
		case model.RecipientFailed:
			stats.Failed = count
		case model.RecipientOpened:
			stats.Opened = count
		case model.RecipientUnsubscribed:
			stats.Unsubscribed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_opens WHERE campaign_id=$1 AND user_id=$2`, id, ownerID,
	).Scan(&stats.UniqueOpens)
	if err != nil {
		return nil, err
	}

	if delivered := stats.Delivered(); delivered > 0 {
		stats.OpenRate = float64(stats.UniqueOpens) / float64(delivered)
	}
	return stats, nil
}
