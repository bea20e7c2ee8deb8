package api

import (
	"errors"
	"fmt"
	"net/http"

	"visionsync/internal/auth"
	"visionsync/internal/live"
	"visionsync/internal/models"
	"visionsync/internal/storage"
)

type processingWebhookRequest struct {
	VideoID     string   `json:"videoId"`
	Status      string   `json:"status"`
	ManifestURL string   `json:"manifestUrl"`
	Error       string   `json:"error"`
	Progress    *float64 `json:"progress"`
	Stage       string   `json:"stage"`
}

// ProcessingWebhook receives completion and progress callbacks from worker
// tasks. Workers may retry deliveries, so repeating the current status is
// accepted without side effects on the record.
func (h *Handler) ProcessingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if h.WebhookSecretHash != "" {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" || auth.VerifySecret(h.WebhookSecretHash, token) != nil {
			h.recorder().ObserveWebhook("unauthorized")
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid webhook credentials"))
			return
		}
	}

	var req processingWebhookRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		h.recorder().ObserveWebhook("bad_payload")
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if req.VideoID == "" {
		h.recorder().ObserveWebhook("bad_payload")
		writeError(w, http.StatusBadRequest, fmt.Errorf("videoId is required"))
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		h.recorder().ObserveWebhook("bad_payload")
		writeError(w, http.StatusBadRequest, err)
		return
	}

	update := storage.StatusUpdate{Status: status}
	switch status {
	case models.StatusReady:
		if req.ManifestURL != "" {
			update.ManifestURL = &req.ManifestURL
		}
	case models.StatusError:
		if req.Error != "" {
			update.ErrorMessage = &req.Error
		}
	}

	video, err := h.Store.UpdateStatus(req.VideoID, update)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.recorder().ObserveWebhook("unknown_video")
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", req.VideoID))
		case errors.Is(err, storage.ErrInvalidTransition):
			h.recorder().ObserveWebhook("conflict")
			writeError(w, http.StatusConflict, err)
		default:
			h.logger(r).Error("webhook status update failed", "error", err, "video_id", req.VideoID)
			h.recorder().ObserveWebhook("error")
			writeError(w, http.StatusInternalServerError, fmt.Errorf("unable to update status"))
		}
		return
	}

	h.recorder().ObserveWebhook("ok")
	h.recorder().ObserveStatusChange(string(status))
	h.publishStatus(r, video, req)

	writeData(w, http.StatusOK, video, "status recorded")
}

// publishStatus pushes the webhook outcome to websocket watchers. Delivery is
// best effort; a full or unreachable fan-out queue never fails the webhook.
func (h *Handler) publishStatus(r *http.Request, video models.Video, req processingWebhookRequest) {
	if h.Live == nil {
		return
	}
	event := live.NewStatusEvent(video.ID, string(video.Status), video.ManifestURL, video.ErrorMessage)
	if err := h.Live.Publish(r.Context(), event); err != nil {
		h.logger(r).Warn("status event publish failed", "error", err, "video_id", video.ID)
	}
	if req.Progress != nil {
		progress := live.NewProgressEvent(video.ID, *req.Progress, req.Stage)
		if err := h.Live.Publish(r.Context(), progress); err != nil {
			h.logger(r).Warn("progress event publish failed", "error", err, "video_id", video.ID)
		}
	}
}
