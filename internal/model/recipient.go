// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientSent         RecipientStatus = "sent"
	RecipientFailed       RecipientStatus = "failed"
	RecipientOpened       RecipientStatus = "opened"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)

// AllowedFrom lists the states a recipient may be in for a write of s to apply.
// A failed recipient is revisable while the queue still holds attempts for it;
// unsubscribed is terminal.
func (s RecipientStatus) AllowedFrom() []RecipientStatus {
	switch s {
	case RecipientSent, RecipientFailed:
		return []RecipientStatus{RecipientPending, RecipientFailed}
	case RecipientOpened:
		return []RecipientStatus{RecipientPending, RecipientSent, RecipientFailed}
	case RecipientUnsubscribed:
		return []RecipientStatus{RecipientPending, RecipientSent, RecipientFailed, RecipientOpened}
	case RecipientPending:
		return []RecipientStatus{RecipientFailed}
	}
	return nil
}

// CanTransition reports whether a recipient in from may move to to.
func CanTransition(from, to RecipientStatus) bool {
	for _, s := range to.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

type Recipient struct {
	ID           int64           `db:"id" json:"id"`
	CampaignID   int64           `db:"campaign_id" json:"campaign_id"`
	OwnerID      int64           `db:"user_id" json:"user_id"`
	Email        string          `db:"email" json:"email"`
	Name         string          `db:"name" json:"name,omitempty"`
	Status       RecipientStatus `db:"status" json:"status"`
	SentAt       *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// RecipientInput is one parsed destination supplied when a campaign is sent.
type RecipientInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// RecipientActivity is a recipient joined with its open, if any.
type RecipientActivity struct {
	Recipient
	HasOpened     bool       `json:"has_opened"`
	FirstOpenedAt *time.Time `json:"first_opened_at,omitempty"`
}
