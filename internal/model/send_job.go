// internal/model/send_job.go
package model

// SendJob is the queue-resident unit of work: send one campaign message to one recipient.
type SendJob struct {
	CampaignID  int64  `json:"campaignId"`
	RecipientID int64  `json:"recipientId"`
	OwnerID     int64  `json:"ownerId"`
	To          string `json:"to"`
	Name        string `json:"name,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// MissingFields returns the names of required fields that are empty.
func (j SendJob) MissingFields() []string {
	var missing []string
	if j.CampaignID <= 0 {
		missing = append(missing, "campaignId")
	}
	if j.RecipientID <= 0 {
		missing = append(missing, "recipientId")
	}
	if j.OwnerID <= 0 {
		missing = append(missing, "ownerId")
	}
	if j.To == "" {
		missing = append(missing, "to")
	}
	if j.Subject == "" {
		missing = append(missing, "subject")
	}
	if j.Body == "" {
		missing = append(missing, "body")
	}
	return missing
}
