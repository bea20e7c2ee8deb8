package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"visionsync/internal/live"
	"visionsync/internal/observability/logging"
	"visionsync/internal/observability/metrics"
	"visionsync/internal/queue"
	"visionsync/internal/storage"
)

// ObjectGateway exposes the object storage operations the handlers require.
// *objectstore.Gateway satisfies it; tests inject fakes.
type ObjectGateway interface {
	UploadBucket() string
	OutputBucket() string
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
	PresignDownload(ctx context.Context, bucket, key string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Handler bundles the dependencies shared by the API endpoints.
type Handler struct {
	Store   storage.Repository
	Objects ObjectGateway
	Queue   queue.Enqueuer
	Live    *live.Gateway
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// WebhookSecretHash is the pbkdf2 digest of the shared webhook secret.
	// Empty disables webhook authentication.
	WebhookSecretHash string
}

// NewHandler constructs a Handler around a datastore. Remaining dependencies
// are assigned by the caller before routing.
func NewHandler(store storage.Repository) *Handler {
	return &Handler{Store: store}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports datastore availability alongside the overall service state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		status := componentStatus{Component: "datastore", Status: "ok"}
		if err := h.Store.Ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":   overallStatus,
		"services": components,
	})
}
