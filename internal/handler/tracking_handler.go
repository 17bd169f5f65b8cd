// internal/handler/tracking_handler.go
package handler

import (
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/service"
)

// transparent 1x1 GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x21, 0xF9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

const (
	defaultNotificationLimit = 50
	defaultRecentLimit       = 20
	maxListLimit             = 100
)

// TrackingHandler serves the public pixel and unsubscribe endpoints and the
// owner-scoped open views.
type TrackingHandler struct {
	Service *service.TrackingService
	Sink    *service.NotificationSink
}

// TrackOpen always answers with the pixel. Failures are only logged so mail
// clients never show a broken image.
func (h *TrackingHandler) TrackOpen(w http.ResponseWriter, r *http.Request) {
	defer writePixel(w)

	campaignID, recipientID, ownerID, err := trackingParams(r)
	if err != nil {
		slog.Warn("invalid tracking request", "path", r.URL.Path, "err", err)
		return
	}

	res, err := h.Service.RecordOpenIfAbsent(r.Context(), service.OpenRequest{
		CampaignID:    campaignID,
		RecipientID:   recipientID,
		OwnerID:       ownerID,
		UserAgent:     r.UserAgent(),
		SourceAddress: clientAddress(r),
	})
	if err != nil {
		slog.Warn("open not recorded", "campaign_id", campaignID, "recipient_id", recipientID, "err", err)
		return
	}
	if res.FirstOpen {
		w.Header().Set("X-First-Open", "true")
	}
}

func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func (h *TrackingHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	campaignID, recipientID, ownerID, err := trackingParams(r)
	if err != nil {
		writePage(w, http.StatusBadRequest, "Invalid link", "This unsubscribe link is not valid.")
		return
	}

	changed, err := h.Service.Unsubscribe(r.Context(), campaignID, recipientID, ownerID)
	if err != nil {
		if appErrors.IsRecipientNotFound(err) {
			writePage(w, http.StatusNotFound, "Invalid link", "We could not find this subscription.")
			return
		}
		slog.Error("unsubscribe failed", "campaign_id", campaignID, "recipient_id", recipientID, "err", err)
		writePage(w, http.StatusInternalServerError, "Something went wrong", "Please try again later.")
		return
	}

	slog.Info("recipient unsubscribed", "campaign_id", campaignID, "recipient_id", recipientID, "changed", changed)
	writePage(w, http.StatusOK, "Unsubscribed", "You will no longer receive emails from this campaign.")
}

// ViewEmail serves the browser copy of a recipient's email. Viewing it counts
// as an open.
func (h *TrackingHandler) ViewEmail(w http.ResponseWriter, r *http.Request) {
	campaignID, recipientID, ownerID, err := trackingParams(r)
	if err != nil {
		writePage(w, http.StatusBadRequest, "Invalid link", "The campaign or recipient in this link is not valid.")
		return
	}

	view, err := h.Service.ViewEmail(r.Context(), service.OpenRequest{
		CampaignID:    campaignID,
		RecipientID:   recipientID,
		OwnerID:       ownerID,
		UserAgent:     r.UserAgent(),
		SourceAddress: clientAddress(r),
	})
	switch {
	case err == nil:
	case errors.Is(err, appErrors.ErrRecipientMismatch):
		writePage(w, http.StatusForbidden, "Access denied", "You are not authorized to view this message.")
		return
	case appErrors.IsCampaignNotFound(err) || appErrors.IsRecipientNotFound(err):
		writePage(w, http.StatusNotFound, "Not found", "The requested email message could not be found.")
		return
	default:
		slog.Error("view email failed", "campaign_id", campaignID, "recipient_id", recipientID, "err", err)
		writePage(w, http.StatusInternalServerError, "Something went wrong", "An error occurred while loading the message.")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, view.HTML)
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><meta charset="utf-8"><title>%s</title></head>`+
		`<body style="font-family:sans-serif;text-align:center;padding:48px;"><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

func (h *TrackingHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())
	limit := queryInt(r, "limit", defaultNotificationLimit)

	notifications := h.Sink.List(ownerID, limit)
	WriteJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (h *TrackingHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())
	WriteJSON(w, http.StatusOK, map[string]int{"cleared": h.Sink.Clear(ownerID)})
}

func (h *TrackingHandler) CampaignOpens(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())
	campaignID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
		return
	}

	opens, err := h.Service.CampaignOpens(r.Context(), campaignID, ownerID)
	if err != nil {
		if appErrors.IsCampaignNotFound(err) {
			WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("list campaign opens", "campaign_id", campaignID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch opens"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"opens": opens, "count": len(opens)})
}

func (h *TrackingHandler) RecentOpens(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := OwnerFromContext(r.Context())
	limit := queryInt(r, "limit", defaultRecentLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultRecentLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	opens, err := h.Service.RecentOpens(r.Context(), ownerID, limit, offset)
	if err != nil {
		slog.Error("list recent opens", "owner_id", ownerID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch opens"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"opens": opens, "limit": limit, "offset": offset})
}

func trackingParams(r *http.Request) (campaignID, recipientID, ownerID int64, err error) {
	if campaignID, err = strconv.ParseInt(chi.URLParam(r, "campaignId"), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("campaign id: %w", err)
	}
	if recipientID, err = strconv.ParseInt(chi.URLParam(r, "recipientId"), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("recipient id: %w", err)
	}
	if ownerID, err = strconv.ParseInt(r.URL.Query().Get("ownerId"), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("owner id: %w", err)
	}
	return campaignID, recipientID, ownerID, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

// clientAddress prefers the first X-Forwarded-For hop.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
