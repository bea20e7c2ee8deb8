package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"visionsync/internal/models"
	"visionsync/internal/objectstore"
	"visionsync/internal/queue"
	"visionsync/internal/storage"
)

const (
	maxUploadBytes    = int64(5) << 30
	maxFilenameLength = 255
)

var allowedUploadTypes = regexp.MustCompile(`^video/(mp4|mov|avi|quicktime)$`)

type presignRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
}

type presignResponse struct {
	VideoID   string `json:"videoId"`
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
}

// Upload routes /api/upload/ sub-paths: presign and confirm/{id}.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	remaining := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/upload/"), "/"), "/")
	switch {
	case len(remaining) == 1 && remaining[0] == "presign":
		h.presignUpload(w, r)
	case len(remaining) == 2 && remaining[0] == "confirm":
		h.confirmUpload(w, r, remaining[1])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) presignUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	if err := validatePresignRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	videoID := uuid.NewString()
	key := objectstore.RawKey(videoID, req.FileName)

	uploadURL, err := h.Objects.PresignUpload(r.Context(), key, req.FileType)
	if err != nil {
		h.logger(r).Error("presign upload failed", "error", err)
		h.recorder().ObserveUploadEvent("presign_failed")
		writeError(w, http.StatusBadGateway, fmt.Errorf("unable to prepare upload"))
		return
	}

	if _, err := h.Store.CreateVideo(storage.CreateVideoParams{
		ID:       videoID,
		Filename: req.FileName,
		FileSize: req.FileSize,
	}); err != nil {
		// The presigned URL is never returned without a record, so an
		// orphaned handle cannot be used to track a phantom upload.
		h.logger(r).Error("create video record failed", "error", err, "video_id", videoID)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("unable to register upload"))
		return
	}

	h.recorder().ObserveUploadEvent("presigned")
	h.logger(r).Info("upload presigned", "video_id", videoID, "file_size", req.FileSize)
	writeData(w, http.StatusCreated, presignResponse{
		VideoID:   videoID,
		UploadURL: uploadURL,
		Key:       key,
	}, "upload ready")
}

func validatePresignRequest(req presignRequest) error {
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		return fmt.Errorf("fileName is required")
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("fileName exceeds %d characters", maxFilenameLength)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("fileName must not contain path separators")
	}
	if !allowedUploadTypes.MatchString(strings.TrimSpace(req.FileType)) {
		return fmt.Errorf("fileType %q is not supported", req.FileType)
	}
	if req.FileSize <= 0 {
		return fmt.Errorf("fileSize must be positive")
	}
	if req.FileSize > maxUploadBytes {
		return fmt.Errorf("fileSize exceeds the %d byte limit", maxUploadBytes)
	}
	return nil
}

func (h *Handler) confirmUpload(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	video, ok := h.Store.GetVideo(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}

	if _, err := h.Store.UpdateStatus(videoID, storage.StatusUpdate{Status: models.StatusUploaded}); err != nil {
		h.writeStatusError(w, r, videoID, err)
		return
	}

	job := queue.NewJobMessage(h.Objects.UploadBucket(), objectstore.RawKey(videoID, video.Filename), videoID)
	if err := h.Queue.Enqueue(r.Context(), job); err != nil {
		h.logger(r).Error("enqueue transcode job failed", "error", err, "video_id", videoID)
		h.recorder().ObserveUploadEvent("enqueue_failed")
		message := "failed to queue video for processing"
		if _, statusErr := h.Store.UpdateStatus(videoID, storage.StatusUpdate{
			Status:       models.StatusError,
			ErrorMessage: &message,
		}); statusErr != nil {
			h.logger(r).Error("mark video failed after enqueue error", "error", statusErr, "video_id", videoID)
		}
		writeError(w, http.StatusBadGateway, errors.New(message))
		return
	}

	updated, err := h.Store.UpdateStatus(videoID, storage.StatusUpdate{Status: models.StatusProcessing})
	if err != nil {
		h.writeStatusError(w, r, videoID, err)
		return
	}

	h.recorder().ObserveUploadEvent("confirmed")
	h.recorder().ObserveStatusChange(string(models.StatusProcessing))
	h.logger(r).Info("upload confirmed", "video_id", videoID)
	writeData(w, http.StatusOK, updated, "video queued for processing")
}

func (h *Handler) writeStatusError(w http.ResponseWriter, r *http.Request, videoID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		h.logger(r).Error("status update failed", "error", err, "video_id", videoID)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("unable to update video"))
	}
}
