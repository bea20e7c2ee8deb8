package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"visionsync/internal/models"
	"visionsync/internal/objectstore"
	"visionsync/internal/storage"
)

var segmentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+\.(m4s|mpd)$`)

// Videos handles the /api/videos collection endpoint.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeData(w, http.StatusOK, h.Store.ListVideos(), "")
}

// VideoByID dispatches /api/videos/ sub-paths: search, stats, status/{status},
// {id}, {id}/status, {id}/manifest, and {id}/segments/{name}.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	remaining := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/"), "/")
	if len(remaining) == 0 || remaining[0] == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case remaining[0] == "search" && len(remaining) == 1:
		h.searchVideos(w, r)
	case remaining[0] == "stats" && len(remaining) == 1:
		h.videoStats(w, r)
	case remaining[0] == "status" && len(remaining) == 2:
		h.videosByStatus(w, r, remaining[1])
	case len(remaining) == 1:
		h.videoRecord(w, r, remaining[0])
	case len(remaining) == 2 && remaining[1] == "status":
		h.videoStatus(w, r, remaining[0])
	case len(remaining) == 2 && remaining[1] == "manifest":
		h.videoManifest(w, r, remaining[0])
	case len(remaining) == 3 && remaining[1] == "segments":
		h.videoSegment(w, r, remaining[0], remaining[2])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) searchVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter q is required"))
		return
	}
	writeData(w, http.StatusOK, h.Store.SearchVideos(query), "")
}

func (h *Handler) videoStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeData(w, http.StatusOK, h.Store.Stats(), "")
}

func (h *Handler) videosByStatus(w http.ResponseWriter, r *http.Request, raw string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	status, err := models.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeData(w, http.StatusOK, h.Store.ListVideosByStatus(status), "")
}

type updateVideoRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (h *Handler) videoRecord(w http.ResponseWriter, r *http.Request, videoID string) {
	switch r.Method {
	case http.MethodGet:
		video, ok := h.Store.GetVideo(videoID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		writeData(w, http.StatusOK, video, "")
	case http.MethodPut:
		var req updateVideoRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		if req.Title == nil && req.Description == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("title or description is required"))
			return
		}
		video, err := h.Store.UpdateVideo(videoID, storage.VideoUpdate{
			Title:       req.Title,
			Description: req.Description,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
				return
			}
			h.logger(r).Error("update video failed", "error", err, "video_id", videoID)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("unable to update video"))
			return
		}
		writeData(w, http.StatusOK, video, "video updated")
	case http.MethodDelete:
		h.deleteVideo(w, r, videoID)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	deleted, err := h.Store.DeleteVideo(videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
			return
		}
		h.logger(r).Error("delete video failed", "error", err, "video_id", videoID)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("unable to delete video"))
		return
	}

	// Object cleanup is best effort: the record is already gone and a failed
	// S3 delete only leaves orphans, so it runs detached from the request.
	if h.Objects != nil {
		go h.cleanupObjects(h.logger(r), deleted)
	}

	writeData(w, http.StatusOK, deleted, "video deleted")
}

func (h *Handler) cleanupObjects(logger *slog.Logger, video models.Video) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if video.Filename != "" {
		key := objectstore.RawKey(video.ID, video.Filename)
		if err := h.Objects.Delete(ctx, h.Objects.UploadBucket(), key); err != nil {
			logger.Warn("raw object cleanup failed", "video_id", video.ID, "key", key, "error", err)
		}
	}
	prefix := objectstore.OutputPrefix(video.ID)
	if err := h.Objects.DeletePrefix(ctx, h.Objects.OutputBucket(), prefix); err != nil {
		logger.Warn("processed object cleanup failed", "video_id", video.ID, "prefix", prefix, "error", err)
	}
}

func (h *Handler) videoStatus(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	video, ok := h.Store.GetVideo(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return
	}
	payload := map[string]interface{}{
		"videoId": video.ID,
		"status":  video.Status,
	}
	if video.ErrorMessage != "" {
		payload["error"] = video.ErrorMessage
	}
	if video.ManifestURL != "" {
		payload["manifestUrl"] = video.ManifestURL
	}
	writeData(w, http.StatusOK, payload, "")
}

func (h *Handler) videoManifest(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !h.requireReady(w, videoID) {
		return
	}
	h.redirectToObject(w, r, videoID, objectstore.ManifestKey(videoID))
}

func (h *Handler) videoSegment(w http.ResponseWriter, r *http.Request, videoID, segment string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if !segmentNamePattern.MatchString(segment) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid segment name"))
		return
	}
	if !h.requireReady(w, videoID) {
		return
	}
	h.redirectToObject(w, r, videoID, objectstore.SegmentKey(videoID, segment))
}

// requireReady gates playback endpoints so no storage round-trip happens for
// videos that have not finished processing.
func (h *Handler) requireReady(w http.ResponseWriter, videoID string) bool {
	video, ok := h.Store.GetVideo(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", videoID))
		return false
	}
	if video.Status != models.StatusReady {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video is not ready for playback"))
		return false
	}
	return true
}

func (h *Handler) redirectToObject(w http.ResponseWriter, r *http.Request, videoID, key string) {
	url, err := h.Objects.PresignDownload(r.Context(), h.Objects.OutputBucket(), key)
	if err != nil {
		h.logger(r).Error("presign playback object failed", "error", err, "video_id", videoID, "key", key)
		writeError(w, http.StatusBadGateway, fmt.Errorf("unable to resolve playback object"))
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
