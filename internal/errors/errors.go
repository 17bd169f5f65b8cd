// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a recipient status write is refused by its current state.
var ErrInvalidTransition = errors.New("recipient status transition not allowed")

// ErrRecipientMismatch is returned when a public link pairs a recipient with a campaign it does not belong to.
var ErrRecipientMismatch = errors.New("recipient does not belong to campaign")

// ErrCampaignNotFound is returned when a campaign does not exist for the owner
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrRecipientNotFound struct {
	RecipientID int64
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

func NewRecipientNotFound(id int64) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

// MalformedJobError marks a job whose payload can never succeed.
type MalformedJobError struct {
	Missing []string
	Reason  string
}

func (e *MalformedJobError) Error() string {
	if len(e.Missing) > 0 {
		return "malformed job: missing " + strings.Join(e.Missing, ", ")
	}
	return "malformed job: " + e.Reason
}

func NewMalformedJob(missing ...string) error {
	return &MalformedJobError{Missing: missing}
}

// CampaignNotActiveError is returned by the worker when a campaign was paused or removed after enqueue.
type CampaignNotActiveError struct {
	CampaignID int64
	Status     string
}

func (e *CampaignNotActiveError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("campaign %d no longer exists", e.CampaignID)
	}
	return fmt.Sprintf("campaign %d is %s", e.CampaignID, e.Status)
}

func NewCampaignNotActive(id int64, status string) error {
	return &CampaignNotActiveError{CampaignID: id, Status: status}
}

// TransportError wraps a mail transport failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(err error) error {
	return &TransportError{Err: err}
}

// RetryExhaustedError is the terminal outcome of a job whose attempts ran out.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var malformed *MalformedJobError
	var notActive *CampaignNotActiveError
	var exhausted *RetryExhaustedError
	return errors.As(err, &malformed) || errors.As(err, &notActive) || errors.As(err, &exhausted)
}

// ThrottledError means the send budget stayed exhausted for longer than the
// worker is willing to hold a delivery. The job is deferred, not failed.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("send rate limit saturated, retry after %s", e.RetryAfter)
}

func NewThrottled(retryAfter time.Duration) error {
	return &ThrottledError{RetryAfter: retryAfter}
}

// IsThrottled returns the deferral carried by err, if any.
func IsThrottled(err error) (*ThrottledError, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled, true
	}
	return nil, false
}

func IsCampaignNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf)
}

func IsRecipientNotFound(err error) bool {
	var nf *ErrRecipientNotFound
	return errors.As(err, &nf)
}
