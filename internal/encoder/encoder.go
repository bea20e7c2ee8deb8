// Package encoder wraps ffmpeg to produce MPEG-DASH output from an uploaded
// source file. One invocation emits the full adaptive ladder plus a
// manifest.mpd into the output directory.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"visionsync/internal/observability/logging"
)

// ErrTimeout reports that the transcode exceeded its wall-clock budget and
// was killed.
var ErrTimeout = errors.New("encoder: transcode deadline exceeded")

// ExitError reports an ffmpeg run that started but finished with a non-zero
// exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("encoder: ffmpeg exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ManifestName is the DASH manifest filename written to the output directory.
const ManifestName = "manifest.mpd"

// Encoder runs ffmpeg transcodes with a fixed settings profile.
type Encoder struct {
	binary   string
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithBinary overrides the ffmpeg executable path.
func WithBinary(path string) Option {
	return func(e *Encoder) { e.binary = path }
}

// WithClock overrides the progress throttle clock.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) { e.now = now }
}

// New builds an Encoder. A nil logger falls back to slog.Default.
func New(settings Settings, logger *slog.Logger, opts ...Option) *Encoder {
	e := &Encoder{
		binary:   "ffmpeg",
		settings: settings.normalized(),
		logger:   logger,
		now:      time.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the normalized profile the encoder runs with.
func (e *Encoder) Settings() Settings { return e.settings }

// Run transcodes input into outputDir. It blocks until ffmpeg exits, the
// context is cancelled, or the settings' wall-clock budget elapses.
func (e *Encoder) Run(ctx context.Context, input, outputDir string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("encoder: input path is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return errors.New("encoder: output directory is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("encoder: prepare output directory: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.settings.MaxDuration)
	defer cancel()

	args := BuildArgs(input, outputDir, e.settings)
	logger := logging.WithContext(runCtx, e.logger)
	logger.Info("starting transcode",
		"input", input,
		"output_dir", outputDir,
		"preset", e.settings.Preset,
		"threads", e.settings.Threads,
		"priority", e.settings.Priority,
		"instance_type", e.settings.InstanceType,
		"renditions", len(e.settings.Ladder()),
	)

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.Stderr = newProgressWriter(logger, e.settings, e.now)
	cmd.Stdout = nil

	start := e.now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: spawn ffmpeg: %w", err)
	}
	err := cmd.Wait()
	elapsed := e.now().Sub(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			logger.Error("transcode killed after exceeding time budget",
				"elapsed", elapsed.Round(time.Second).String(),
				"budget", e.settings.MaxDuration.String(),
			)
			return ErrTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("transcode failed",
				"exit_code", exitErr.ExitCode(),
				"elapsed", elapsed.Round(time.Second).String(),
			)
			return &ExitError{Code: exitErr.ExitCode(), Err: err}
		}
		return fmt.Errorf("encoder: ffmpeg: %w", err)
	}

	logger.Info("transcode complete",
		"elapsed", elapsed.Round(time.Second).String(),
		"manifest", filepath.Join(outputDir, ManifestName),
	)
	return nil
}

// BuildArgs assembles the ffmpeg argument list for a DASH transcode of input
// into outputDir, including the manifest path as the final argument.
func BuildArgs(input, outputDir string, settings Settings) []string {
	s := settings.normalized()
	ladder := s.Ladder()

	args := []string{
		"-i", input,
		"-threads", strconv.Itoa(s.Threads),
		"-t", strconv.Itoa(int(s.MaxDuration / time.Second)),
		"-filter_complex", filterGraph(ladder),
	}

	for i, r := range ladder {
		n := strconv.Itoa(i)
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i+1),
			"-c:v:"+n, "libx264",
			"-b:v:"+n, r.target(),
			"-maxrate:"+n, r.maxrate(),
			"-bufsize:"+n, r.bufsize(),
		)
	}

	args = append(args,
		"-map", "0:a?",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-g", "48",
		"-sc_threshold", "0",
		"-keyint_min", "48",
		"-preset", s.Preset,
		"-profile:v", "high",
		"-level", "4.0",
	)

	if s.InstanceType == InstanceSpot {
		args = append(args, "-crf", "25", "-tune", "fastdecode")
	} else {
		args = append(args, "-crf", "23")
	}

	seg := s.segmentSeconds()
	args = append(args,
		"-adaptation_sets", "id=0,streams=v id=1,streams=a",
		"-f", "dash",
		"-seg_duration", seg,
		"-frag_duration", seg,
		"-min_seg_duration", seg,
		"-use_template", "1",
		"-use_timeline", "1",
		"-init_seg_name", "init-$RepresentationID$.m4s",
		"-media_seg_name", "chunk-$RepresentationID$-$Number$.m4s",
		filepath.Join(outputDir, ManifestName),
	)
	return args
}

// filterGraph splits the decoded video into one scaled branch per rendition:
// [0:v]split=N[v1]..[vN]; [v1]scale=W:H[v1out]; ...
func filterGraph(ladder []Rendition) string {
	var b strings.Builder
	b.WriteString("[0:v]split=")
	b.WriteString(strconv.Itoa(len(ladder)))
	for i := range ladder {
		fmt.Fprintf(&b, "[v%d]", i+1)
	}
	for i, r := range ladder {
		fmt.Fprintf(&b, "; [v%d]scale=%d:%d[v%dout]", i+1, r.Width, r.Height, i+1)
	}
	return b.String()
}
