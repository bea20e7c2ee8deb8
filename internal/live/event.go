package live

import (
	"errors"
	"strings"
	"time"
)

// EventType enumerates the status events fanned out to websocket subscribers.
type EventType string

const (
	// EventTypeStatus announces a lifecycle change for a video.
	EventTypeStatus EventType = "video-status"
	// EventTypeProgress carries transcode progress for a video still being
	// processed.
	EventTypeProgress EventType = "processing-progress"
)

// StatusEvent describes a video lifecycle change.
type StatusEvent struct {
	VideoID      string `json:"videoId"`
	Status       string `json:"status"`
	ManifestURL  string `json:"manifestUrl,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}

// ProgressEvent reports how far a transcode has advanced.
type ProgressEvent struct {
	VideoID string  `json:"videoId"`
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage,omitempty"`
}

// Event is the wire representation forwarded through the fan-out queue so
// every server replica can notify its own websocket rooms.
type Event struct {
	Type       EventType      `json:"type"`
	Status     *StatusEvent   `json:"status,omitempty"`
	Progress   *ProgressEvent `json:"progress,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewStatusEvent builds a video-status event stamped with the current time.
func NewStatusEvent(videoID, status, manifestURL, errorMessage string) Event {
	return Event{
		Type: EventTypeStatus,
		Status: &StatusEvent{
			VideoID:      videoID,
			Status:       status,
			ManifestURL:  manifestURL,
			ErrorMessage: errorMessage,
		},
		OccurredAt: time.Now().UTC(),
	}
}

// NewProgressEvent builds a processing-progress event stamped with the
// current time.
func NewProgressEvent(videoID string, percent float64, stage string) Event {
	return Event{
		Type: EventTypeProgress,
		Progress: &ProgressEvent{
			VideoID: videoID,
			Percent: percent,
			Stage:   stage,
		},
		OccurredAt: time.Now().UTC(),
	}
}

// RoomID returns the video the event belongs to, or "" for malformed events.
func (e Event) RoomID() string {
	switch {
	case e.Status != nil:
		return strings.TrimSpace(e.Status.VideoID)
	case e.Progress != nil:
		return strings.TrimSpace(e.Progress.VideoID)
	default:
		return ""
	}
}

// Validate reports whether the event can be routed to a room.
func (e Event) Validate() error {
	switch e.Type {
	case EventTypeStatus:
		if e.Status == nil {
			return errors.New("status payload is required")
		}
	case EventTypeProgress:
		if e.Progress == nil {
			return errors.New("progress payload is required")
		}
	default:
		return errors.New("event type is required")
	}
	if e.RoomID() == "" {
		return errors.New("video id is required")
	}
	return nil
}
