package encoder

import (
	"fmt"
	"strings"
	"time"
)

// Rendition is one output variant in the adaptive ladder. Bitrate is the
// target video bitrate in kbit/s; the encoder derives maxrate (110%) and
// bufsize (200%) from it.
type Rendition struct {
	Width   int
	Height  int
	Bitrate int
}

func (r Rendition) target() string  { return fmt.Sprintf("%dk", r.Bitrate) }
func (r Rendition) maxrate() string { return fmt.Sprintf("%dk", r.Bitrate*110/100) }
func (r Rendition) bufsize() string { return fmt.Sprintf("%dk", r.Bitrate*2) }

// economyLadder trades the 1080p variant away so spot-priced capacity
// finishes jobs before it is reclaimed.
var economyLadder = []Rendition{
	{Width: 1280, Height: 720, Bitrate: 2500},
	{Width: 854, Height: 480, Bitrate: 1200},
	{Width: 640, Height: 360, Bitrate: 600},
}

var standardLadder = []Rendition{
	{Width: 1920, Height: 1080, Bitrate: 5000},
	{Width: 1280, Height: 720, Bitrate: 3000},
	{Width: 854, Height: 480, Bitrate: 1500},
	{Width: 640, Height: 360, Bitrate: 800},
}

const (
	PriorityNormal = "normal"
	PriorityLow    = "low"

	InstanceOnDemand = "on-demand"
	InstanceSpot     = "spot"
)

// Settings drives the ffmpeg invocation. The zero value normalizes to the
// standard on-demand profile.
type Settings struct {
	// Preset is the libx264 speed preset ("fast" for standard capacity,
	// "medium" for spot).
	Preset string
	// Threads caps ffmpeg's worker threads.
	Threads int
	// Priority selects the rendition ladder: "low" drops the 1080p variant.
	Priority string
	// InstanceType selects the quality trade-off: "spot" encodes at a
	// slightly higher CRF and tunes for fast decode.
	InstanceType string
	// BatchMode lengthens DASH segments and slows progress logging.
	BatchMode bool
	// MaxDuration is the wall-clock budget for a single transcode. It is
	// also passed to ffmpeg as an output duration cap.
	MaxDuration time.Duration
}

const defaultMaxDuration = 30 * time.Minute

func (s Settings) normalized() Settings {
	if strings.TrimSpace(s.Preset) == "" {
		s.Preset = "fast"
	}
	if s.Threads <= 0 {
		s.Threads = 2
	}
	if s.Priority != PriorityLow {
		s.Priority = PriorityNormal
	}
	if s.InstanceType != InstanceSpot {
		s.InstanceType = InstanceOnDemand
	}
	if s.MaxDuration <= 0 {
		s.MaxDuration = defaultMaxDuration
	}
	return s
}

// Ladder returns the rendition set the settings select.
func (s Settings) Ladder() []Rendition {
	if s.Priority == PriorityLow {
		return economyLadder
	}
	return standardLadder
}

func (s Settings) segmentSeconds() string {
	if s.BatchMode {
		return "6"
	}
	return "4"
}
