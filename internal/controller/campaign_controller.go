// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/mailstorm-backend/internal/errors"
	"github.com/unclebandit/mailstorm-backend/internal/handler"
	"github.com/unclebandit/mailstorm-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

// SendCampaign creates a campaign from the posted recipients and dispatches it.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := handler.OwnerFromContext(r.Context())

	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	result, err := c.CampaignService.CreateAndSend(r.Context(), ownerID, body)
	if err != nil {
		c.fail(w, "send campaign", err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, result)
}

// CreateDraft saves a campaign, and optionally its recipients, without sending it.
func (c *CampaignController) CreateDraft(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := handler.OwnerFromContext(r.Context())

	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	draft, err := c.CampaignService.CreateDraft(r.Context(), ownerID, body)
	if err != nil {
		c.fail(w, "save draft", err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, draft)
}

func (c *CampaignController) ListRecipients(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	recipients, err := c.CampaignService.ListRecipients(r.Context(), ownerID, id)
	if err != nil {
		c.fail(w, "list recipients", err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": recipients,
		"count":      len(recipients),
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := handler.OwnerFromContext(r.Context())

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), ownerID, page, pageSize, status)
	if err != nil {
		c.fail(w, "list campaigns", err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), ownerID, id)
	if err != nil {
		c.fail(w, "get campaign", err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, details)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	if err := c.CampaignService.PauseCampaign(r.Context(), ownerID, id); err != nil {
		c.fail(w, "pause campaign", err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": "paused"})
}

// ResumeCampaign dispatches the pending recipients of a draft or paused campaign.
func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	result, err := c.CampaignService.SendCampaign(r.Context(), ownerID, id)
	if err != nil {
		c.fail(w, "resume campaign", err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) ResendFailed(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	result, err := c.CampaignService.ResendFailed(r.Context(), ownerID, id)
	if err != nil {
		c.fail(w, "resend failed recipients", err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	if err := c.CampaignService.DeleteCampaign(r.Context(), ownerID, id); err != nil {
		c.fail(w, "delete campaign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func campaignParams(w http.ResponseWriter, r *http.Request) (ownerID, id int64, ok bool) {
	ownerID, _ = handler.OwnerFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return 0, 0, false
	}
	return ownerID, id, true
}

// fail maps service errors to status codes.
func (c *CampaignController) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case appErrors.IsCampaignNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidCampaign):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNothingToDispatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error(op+" failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	handler.WriteJSON(w, status, map[string]string{"error": msg})
}
