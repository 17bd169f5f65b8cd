// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID              int64          `db:"id" json:"id"`
	OwnerID         int64          `db:"user_id" json:"user_id"`
	Name            string         `db:"name" json:"name"`
	Subject         string         `db:"subject" json:"subject"`
	Body            string         `db:"body" json:"body"`
	Status          CampaignStatus `db:"status" json:"status"`
	TotalRecipients int            `db:"total_recipients" json:"total_recipients"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// CampaignStats is aggregated from recipient and open rows at read time.
type CampaignStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Sent         int     `json:"sent"`
	Failed       int     `json:"failed"`
	Opened       int     `json:"opened"`
	Unsubscribed int     `json:"unsubscribed"`
	UniqueOpens  int     `json:"unique_opens"`
	OpenRate     float64 `json:"open_rate"`
}

// Delivered counts recipients the transport accepted, including those that later opened or unsubscribed.
func (s CampaignStats) Delivered() int {
	return s.Sent + s.Opened + s.Unsubscribed
}
