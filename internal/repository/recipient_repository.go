package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/model"
)

type RecipientRepositoryInterface interface {
	CreateMany(ctx context.Context, campaignID, ownerID int64, inputs []model.RecipientInput) ([]model.Recipient, error)
	GetByID(ctx context.Context, id, ownerID int64) (*model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID, ownerID int64, status model.RecipientStatus) ([]model.Recipient, error)
	PendingCount(ctx context.Context, campaignID, ownerID int64) (int, error)
	UpdateStatus(ctx context.Context, id, ownerID int64, status model.RecipientStatus, errMsg string) (bool, error)
	ResetFailed(ctx context.Context, campaignID, ownerID int64) (int, error)
	ListWithOpens(ctx context.Context, campaignID, ownerID int64) ([]model.RecipientActivity, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)

const recipientColumns = `id, campaign_id, user_id, email, name, status, sent_at, error_message, created_at`

func scanRecipient(row interface{ Scan(...any) error }, rc *model.Recipient) error {
	return row.Scan(&rc.ID, &rc.CampaignID, &rc.OwnerID, &rc.Email, &rc.Name, &rc.Status, &rc.SentAt, &rc.ErrorMessage, &rc.CreatedAt)
}

// CreateMany inserts every recipient as pending in a single statement inside a transaction.
func (r *RecipientRepository) CreateMany(ctx context.Context, campaignID, ownerID int64, inputs []model.RecipientInput) ([]model.Recipient, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	emails := make([]string, len(inputs))
	names := make([]string, len(inputs))
	for i, in := range inputs {
		emails[i] = in.Email
		names[i] = in.Name
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO recipients (campaign_id, user_id, email, name, status, created_at)
        SELECT $1, $2, e, n, 'pending', NOW()
        FROM unnest($3::text[], $4::text[]) WITH ORDINALITY AS t(e, n, ord)
        ORDER BY ord
        RETURNING ` + recipientColumns

	rows, err := tx.QueryContext(ctx, query, campaignID, ownerID, pq.Array(emails), pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("insert recipients: %w", err)
	}

	recipients := make([]model.Recipient, 0, len(inputs))
	for rows.Next() {
		var rc model.Recipient
		if err := scanRecipient(rows, &rc); err != nil {
			rows.Close()
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return recipients, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id, ownerID int64) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id=$1 AND user_id=$2`

	var rc model.Recipient
	if err := scanRecipient(r.DB.QueryRowContext(ctx, query, id, ownerID), &rc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRecipientNotFound(id)
		}
		return nil, err
	}
	return &rc, nil
}

// ListByCampaign returns the campaign's recipients, optionally filtered by status.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID, ownerID int64, status model.RecipientStatus) ([]model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id=$1 AND user_id=$2`
	args := []interface{}{campaignID, ownerID}
	if status != "" {
		query += ` AND status=$3`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var rc model.Recipient
		if err := scanRecipient(rows, &rc); err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

// ListWithOpens lists the campaign's recipients with their first open. Opens
// are unique per recipient, so the join never multiplies rows.
func (r *RecipientRepository) ListWithOpens(ctx context.Context, campaignID, ownerID int64) ([]model.RecipientActivity, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT r.id, r.campaign_id, r.user_id, r.email, r.name, r.status, r.sent_at, r.error_message, r.created_at,
		       o.opened_at
		FROM recipients r
		LEFT JOIN email_opens o
		       ON o.recipient_id = r.id AND o.campaign_id = r.campaign_id AND o.user_id = r.user_id
		WHERE r.campaign_id=$1 AND r.user_id=$2
		ORDER BY r.id`,
		campaignID, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := []model.RecipientActivity{}
	for rows.Next() {
		var a model.RecipientActivity
		rc := &a.Recipient
		if err := rows.Scan(&rc.ID, &rc.CampaignID, &rc.OwnerID, &rc.Email, &rc.Name, &rc.Status, &rc.SentAt, &rc.ErrorMessage, &rc.CreatedAt, &a.FirstOpenedAt); err != nil {
			return nil, err
		}
		a.HasOpened = a.FirstOpenedAt != nil
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

func (r *RecipientRepository) PendingCount(ctx context.Context, campaignID, ownerID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND user_id=$2 AND status='pending'`,
		campaignID, ownerID,
	).Scan(&n)
	return n, err
}

// UpdateStatus applies a conditional write: the row changes only while its
// current status is one of status.AllowedFrom(). It returns false when the
// recipient exists but refused the transition.
func (r *RecipientRepository) UpdateStatus(ctx context.Context, id, ownerID int64, status model.RecipientStatus, errMsg string) (bool, error) {
	from := status.AllowedFrom()
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
        UPDATE recipients
        SET status=$1,
            error_message=$2,
            sent_at=CASE WHEN $1='sent' THEN NOW() ELSE sent_at END
        WHERE id=$3 AND user_id=$4 AND status = ANY($5)
    `
	res, err := r.DB.ExecContext(ctx, query, status, errMsg, id, ownerID, pq.Array(allowed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetFailed puts failed recipients back to pending so they can be dispatched again.
func (r *RecipientRepository) ResetFailed(ctx context.Context, campaignID, ownerID int64) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET status='pending', error_message='' WHERE campaign_id=$1 AND user_id=$2 AND status='failed'`,
		campaignID, ownerID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
