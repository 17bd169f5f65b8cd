package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unclebandit/mailstorm-backend/internal/model"
)

const EventEmailOpened = "email.opened"

// WebhookClient posts open events to an operator-configured URL.
type WebhookClient struct {
	url    string
	client *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type webhookEvent struct {
	Event string          `json:"event"`
	Data  openedEventData `json:"data"`
}

type openedEventData struct {
	CampaignID     int64     `json:"campaignId"`
	RecipientID    int64     `json:"recipientId"`
	OwnerID        int64     `json:"ownerId"`
	CampaignName   string    `json:"campaignName"`
	RecipientEmail string    `json:"recipientEmail"`
	IsFirstOpen    bool      `json:"isFirstOpen"`
	Timestamp      time.Time `json:"timestamp"`
	UserAgent      string    `json:"userAgent"`
	SourceAddress  string    `json:"sourceAddress"`
}

// NotifyOpen delivers one email.opened event. Any non-2xx answer is an error;
// callers log it and move on.
func (c *WebhookClient) NotifyOpen(ctx context.Context, n model.OpenNotification) error {
	reqBody, err := json.Marshal(webhookEvent{
		Event: EventEmailOpened,
		Data: openedEventData{
			CampaignID:     n.CampaignID,
			RecipientID:    n.RecipientID,
			OwnerID:        n.OwnerID,
			CampaignName:   n.CampaignName,
			RecipientEmail: n.RecipientEmail,
			IsFirstOpen:    n.IsFirstOpen,
			Timestamp:      n.Timestamp.UTC(),
			UserAgent:      n.UserAgent,
			SourceAddress:  n.SourceAddress,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
