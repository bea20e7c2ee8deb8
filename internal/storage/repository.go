package storage

import (
	"context"
	"errors"

	"visionsync/internal/models"
)

var (
	// ErrNotFound is returned when no video exists for the requested ID.
	ErrNotFound = errors.New("video not found")
	// ErrInvalidTransition is returned when a status update would violate the
	// video lifecycle ordering.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository exposes the datastore operations required by API handlers, the
// processing webhook, and the worker pipeline.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos() []models.Video
	ListVideosByStatus(status models.Status) []models.Video
	SearchVideos(query string) []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	UpdateStatus(id string, update StatusUpdate) (models.Video, error)
	DeleteVideo(id string) (models.Video, error)
	Stats() models.VideoStats
}

// CreateVideoParams captures the attributes that can be set when registering a
// new upload. ID is optional; a fresh identifier is generated when empty.
type CreateVideoParams struct {
	ID          string
	Title       string
	Description string
	Filename    string
	FileSize    int64
}

// VideoUpdate mutates presentation metadata. Nil fields are left untouched.
type VideoUpdate struct {
	Title        *string
	Description  *string
	ThumbnailURL *string
}

// StatusUpdate advances a video through its lifecycle. The transition is
// validated inside the store so concurrent writers cannot resurrect a deleted
// or terminal record.
type StatusUpdate struct {
	Status       models.Status
	ManifestURL  *string
	VideoURL     *string
	Duration     *float64
	ErrorMessage *string
}

var _ Repository = (*Storage)(nil)
