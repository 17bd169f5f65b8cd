// internal/model/email_open.go
package model

import "time"

// EmailOpen is the single first-open row kept per (campaign, recipient, owner).
type EmailOpen struct {
	ID            int64     `db:"id" json:"id"`
	CampaignID    int64     `db:"campaign_id" json:"campaign_id"`
	RecipientID   int64     `db:"recipient_id" json:"recipient_id"`
	OwnerID       int64     `db:"user_id" json:"user_id"`
	UserAgent     string    `db:"user_agent" json:"user_agent"`
	SourceAddress string    `db:"ip_address" json:"ip_address"`
	OpenedAt      time.Time `db:"opened_at" json:"opened_at"`

	// joined for listings
	RecipientEmail string `db:"email" json:"email,omitempty"`
	RecipientName  string `db:"recipient_name" json:"recipient_name,omitempty"`
	CampaignName   string `db:"campaign_name" json:"campaign_name,omitempty"`
}

// OpenNotification is what the dashboard polls and what the webhook receives.
type OpenNotification struct {
	ID             string    `json:"id"`
	CampaignID     int64     `json:"campaignId"`
	RecipientID    int64     `json:"recipientId"`
	OwnerID        int64     `json:"ownerId"`
	CampaignName   string    `json:"campaignName"`
	RecipientEmail string    `json:"recipientEmail"`
	RecipientName  string    `json:"recipientName,omitempty"`
	IsFirstOpen    bool      `json:"isFirstOpen"`
	Timestamp      time.Time `json:"timestamp"`
	UserAgent      string    `json:"userAgent"`
	SourceAddress  string    `json:"sourceAddress"`
}
