package encoder

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress is a snapshot parsed from an ffmpeg stderr status line.
type Progress struct {
	Frame   int
	FPS     float64
	Time    string
	Bitrate string
	Size    string
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe    = regexp.MustCompile(`time=(\d{2}:\d{2}:\d{2}\.\d{2})`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+\w+)`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+\w+)`)
)

// ParseProgress extracts progress fields from one stderr line. The second
// return value is false when the line carries none of them.
func ParseProgress(line string) (Progress, bool) {
	var p Progress
	found := false
	if m := frameRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.Frame = v
			found = true
		}
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.FPS = v
			found = true
		}
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		p.Time = m[1]
		found = true
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		p.Bitrate = m[1]
		found = true
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		p.Size = m[1]
		found = true
	}
	return p, found
}

// progressWriter splits ffmpeg's stderr stream into lines, logs progress
// snapshots on a throttle, and surfaces error lines immediately.
type progressWriter struct {
	logger   *slog.Logger
	settings Settings
	now      func() time.Time
	interval time.Duration
	last     time.Time
	partial  []byte
}

func newProgressWriter(logger *slog.Logger, settings Settings, now func() time.Time) *progressWriter {
	interval := 5 * time.Second
	if settings.BatchMode {
		interval = 10 * time.Second
	}
	return &progressWriter{
		logger:   logger,
		settings: settings,
		now:      now,
		interval: interval,
	}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	total := len(p)
	data := p
	if len(w.partial) > 0 {
		data = append(w.partial, p...)
		w.partial = nil
	}
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			break
		}
		w.handleLine(string(data[:idx]))
		data = data[idx+1:]
	}
	if len(data) > 0 {
		w.partial = append(w.partial, data...)
	}
	return total, nil
}

func (w *progressWriter) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if progress, ok := ParseProgress(line); ok {
		now := w.now()
		if now.Sub(w.last) < w.interval {
			return
		}
		w.last = now
		w.logger.Info("transcode progress",
			"frame", progress.Frame,
			"fps", progress.FPS,
			"time", progress.Time,
			"bitrate", progress.Bitrate,
			"instance_type", w.settings.InstanceType,
			"preset", w.settings.Preset,
		)
		return
	}
	if strings.Contains(line, "Error") || strings.Contains(line, "error") {
		w.logger.Error("ffmpeg reported error", "line", line)
	}
}
