// Package worker implements the transcode task that runs inside one Fargate
// container per job: download the raw upload, run the DASH encode, upload the
// renditions, and report the outcome over the processing webhook.
package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"visionsync/internal/encoder"
)

const defaultTempDir = "/tmp/video-processing"

// Config is the per-job parameter set injected into the container
// environment by the dispatcher.
type Config struct {
	VideoBucket   string
	VideoFileName string
	VideoID       string
	OutputBucket  string

	WebhookURL    string
	WebhookSecret string

	// PublicBaseURL is the CDN prefix used to build the manifest URL
	// reported on completion. When empty the relative manifest key is
	// reported instead and playback goes through the API's redirect
	// endpoints.
	PublicBaseURL string

	Preset        string
	Threads       int
	Priority      string
	InstanceType  string
	BatchMode     bool
	MaxProcessing time.Duration

	TempDir string
}

// FromEnv reads the job configuration from the environment.
func FromEnv() (Config, error) {
	cfg := Config{
		VideoBucket:   strings.TrimSpace(os.Getenv("VIDEO_BUCKET")),
		VideoFileName: strings.TrimSpace(os.Getenv("VIDEO_FILE_NAME")),
		VideoID:       strings.TrimSpace(os.Getenv("VIDEO_ID")),
		OutputBucket:  strings.TrimSpace(os.Getenv("OUTPUT_BUCKET")),
		WebhookURL:    strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		PublicBaseURL: strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		Preset:        strings.TrimSpace(os.Getenv("FFMPEG_PRESET")),
		Priority:      strings.TrimSpace(os.Getenv("PROCESSING_PRIORITY")),
		InstanceType:  strings.TrimSpace(os.Getenv("INSTANCE_TYPE")),
		TempDir:       strings.TrimSpace(os.Getenv("TEMP_DIR")),
	}
	if cfg.TempDir == "" {
		cfg.TempDir = defaultTempDir
	}

	if raw := strings.TrimSpace(os.Getenv("FFMPEG_THREADS")); raw != "" {
		threads, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse FFMPEG_THREADS %q: %w", raw, err)
		}
		cfg.Threads = threads
	}
	if raw := strings.TrimSpace(os.Getenv("MAX_PROCESSING_TIME")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse MAX_PROCESSING_TIME %q: %w", raw, err)
		}
		cfg.MaxProcessing = time.Duration(seconds) * time.Second
	}
	if raw := strings.TrimSpace(os.Getenv("ENABLE_BATCH_MODE")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse ENABLE_BATCH_MODE %q: %w", raw, err)
		}
		cfg.BatchMode = enabled
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether the configuration carries everything one job
// needs.
func (c Config) Validate() error {
	switch {
	case c.VideoBucket == "":
		return fmt.Errorf("VIDEO_BUCKET is required")
	case c.VideoFileName == "":
		return fmt.Errorf("VIDEO_FILE_NAME is required")
	case c.VideoID == "":
		return fmt.Errorf("VIDEO_ID is required")
	case c.OutputBucket == "":
		return fmt.Errorf("OUTPUT_BUCKET is required")
	case c.WebhookURL == "":
		return fmt.Errorf("WEBHOOK_URL is required")
	}
	return nil
}

// EncoderSettings maps the job parameters onto the encoder profile.
func (c Config) EncoderSettings() encoder.Settings {
	return encoder.Settings{
		Preset:       c.Preset,
		Threads:      c.Threads,
		Priority:     c.Priority,
		InstanceType: c.InstanceType,
		BatchMode:    c.BatchMode,
		MaxDuration:  c.MaxProcessing,
	}
}

// Tier reports the execution tier implied by the processing priority.
func (c Config) Tier() string {
	if c.Priority == encoder.PriorityLow {
		return "economy"
	}
	return "standard"
}
