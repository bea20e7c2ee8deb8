// Package models defines the core datatypes shared across the VisionSync
// services: the video record, its lifecycle status, and the aggregate
// stats shape surfaced by the API.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Status captures the video lifecycle. Records only move forward along
// uploading -> uploaded -> processing -> ready, or jump to error from any
// non-terminal state.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Statuses lists every valid lifecycle value in chain order, with the
// terminal error state last.
func Statuses() []Status {
	return []Status{StatusUploading, StatusUploaded, StatusProcessing, StatusReady, StatusError}
}

// ParseStatus normalises and validates a status string.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case StatusUploading, StatusUploaded, StatusProcessing, StatusReady, StatusError:
		return candidate, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

var statusRank = map[Status]int{
	StatusUploading:  0,
	StatusUploaded:   1,
	StatusProcessing: 2,
	StatusReady:      3,
}

// CanTransition reports whether a record may move from one status to
// another. Repeating the current status is allowed so that redelivered
// webhooks stay idempotent. Terminal states (ready, error) never move
// except to themselves.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusError || from == StatusReady {
		return false
	}
	if to == StatusError {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// Video is the persisted record tracking one upload through transcode.
// The ID is assigned before any queue message exists and never changes.
type Video struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Filename     string  `json:"filename"`
	FileSize     int64   `json:"fileSize"`
	Duration     float64 `json:"duration,omitempty"`
	Status       Status  `json:"status"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	VideoURL     string  `json:"videoUrl,omitempty"`
	ManifestURL  string  `json:"manifestUrl,omitempty"`
	ErrorMessage string  `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VideoStats aggregates the catalogue for the stats endpoint.
type VideoStats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"byStatus"`
	TotalBytes int64          `json:"totalSize"`
}
