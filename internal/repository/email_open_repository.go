package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/mailstorm-backend/internal/model"
)

type EmailOpenRepositoryInterface interface {
	InsertIfAbsent(ctx context.Context, open *model.EmailOpen) (bool, error)
	ListByCampaign(ctx context.Context, campaignID, ownerID int64) ([]model.EmailOpen, error)
	ListRecent(ctx context.Context, ownerID int64, limit, offset int) ([]model.EmailOpen, error)
}

type EmailOpenRepository struct {
	DB *sql.DB
}

var _ EmailOpenRepositoryInterface = (*EmailOpenRepository)(nil)

// InsertIfAbsent records the first open for (campaign, recipient, owner).
// The unique key makes it one atomic statement: a concurrent or later
// duplicate hits ON CONFLICT, returns no row and reports false.
func (r *EmailOpenRepository) InsertIfAbsent(ctx context.Context, open *model.EmailOpen) (bool, error) {
	query := `
        INSERT INTO email_opens (campaign_id, recipient_id, user_id, user_agent, ip_address, opened_at, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
        ON CONFLICT (campaign_id, recipient_id, user_id) DO NOTHING
        RETURNING id, opened_at
    `
	err := r.DB.QueryRowContext(ctx, query,
		open.CampaignID, open.RecipientID, open.OwnerID, open.UserAgent, open.SourceAddress,
	).Scan(&open.ID, &open.OpenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *EmailOpenRepository) ListByCampaign(ctx context.Context, campaignID, ownerID int64) ([]model.EmailOpen, error) {
	query := `
        SELECT eo.id, eo.campaign_id, eo.recipient_id, eo.user_id, eo.user_agent, eo.ip_address, eo.opened_at,
               r.email, r.name, c.name
        FROM email_opens eo
        JOIN recipients r ON r.id = eo.recipient_id
        JOIN campaigns c ON c.id = eo.campaign_id
        WHERE eo.campaign_id=$1 AND eo.user_id=$2
        ORDER BY eo.opened_at DESC
    `
	return r.list(ctx, query, campaignID, ownerID)
}

func (r *EmailOpenRepository) ListRecent(ctx context.Context, ownerID int64, limit, offset int) ([]model.EmailOpen, error) {
	query := `
        SELECT eo.id, eo.campaign_id, eo.recipient_id, eo.user_id, eo.user_agent, eo.ip_address, eo.opened_at,
               r.email, r.name, c.name
        FROM email_opens eo
        JOIN recipients r ON r.id = eo.recipient_id
        JOIN campaigns c ON c.id = eo.campaign_id
        WHERE eo.user_id=$1
        ORDER BY eo.opened_at DESC
        LIMIT $2 OFFSET $3
    `
	return r.list(ctx, query, ownerID, limit, offset)
}

func (r *EmailOpenRepository) list(ctx context.Context, query string, args ...any) ([]model.EmailOpen, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	opens := []model.EmailOpen{}
	for rows.Next() {
		var o model.EmailOpen
		if err := rows.Scan(&o.ID, &o.CampaignID, &o.RecipientID, &o.OwnerID, &o.UserAgent, &o.SourceAddress, &o.OpenedAt,
			&o.RecipientEmail, &o.RecipientName, &o.CampaignName); err != nil {
			return nil, err
		}
		opens = append(opens, o)
	}
	return opens, rows.Err()
}
