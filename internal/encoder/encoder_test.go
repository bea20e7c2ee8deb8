package encoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	idx := slices.Index(args, flag)
	if idx == -1 || idx+1 >= len(args) {
		t.Fatalf("expected flag %s in args", flag)
	}
	return args[idx+1]
}

func TestBuildArgsStandardLadder(t *testing.T) {
	args := BuildArgs("/tmp/in.mp4", "/tmp/out", Settings{})

	if got := argValue(t, args, "-filter_complex"); !strings.HasPrefix(got, "[0:v]split=4") {
		t.Fatalf("expected four-way split, got %q", got)
	}
	if got := argValue(t, args, "-b:v:0"); got != "5000k" {
		t.Fatalf("expected 1080p target 5000k, got %q", got)
	}
	if got := argValue(t, args, "-maxrate:0"); got != "5500k" {
		t.Fatalf("expected maxrate 5500k, got %q", got)
	}
	if got := argValue(t, args, "-bufsize:0"); got != "10000k" {
		t.Fatalf("expected bufsize 10000k, got %q", got)
	}
	if got := argValue(t, args, "-b:v:3"); got != "800k" {
		t.Fatalf("expected 360p target 800k, got %q", got)
	}
	if got := argValue(t, args, "-crf"); got != "23" {
		t.Fatalf("expected crf 23 on the standard profile, got %q", got)
	}
	if slices.Contains(args, "-tune") {
		t.Fatal("standard profile should not tune for fast decode")
	}
	if got := argValue(t, args, "-preset"); got != "fast" {
		t.Fatalf("expected default preset fast, got %q", got)
	}
	if got := argValue(t, args, "-seg_duration"); got != "4" {
		t.Fatalf("expected 4s segments, got %q", got)
	}
	if got := args[len(args)-1]; got != filepath.Join("/tmp/out", "manifest.mpd") {
		t.Fatalf("expected manifest output last, got %q", got)
	}
}

func TestBuildArgsEconomyLadder(t *testing.T) {
	args := BuildArgs("/tmp/in.mp4", "/tmp/out", Settings{
		Preset:       "medium",
		Threads:      1,
		Priority:     PriorityLow,
		InstanceType: InstanceSpot,
	})

	if got := argValue(t, args, "-filter_complex"); !strings.HasPrefix(got, "[0:v]split=3") {
		t.Fatalf("expected three-way split, got %q", got)
	}
	if slices.Contains(args, "-c:v:3") {
		t.Fatal("economy ladder should not carry a fourth video stream")
	}
	if got := argValue(t, args, "-b:v:0"); got != "2500k" {
		t.Fatalf("expected top rendition 2500k, got %q", got)
	}
	if got := argValue(t, args, "-crf"); got != "25" {
		t.Fatalf("expected crf 25 on spot capacity, got %q", got)
	}
	if got := argValue(t, args, "-tune"); got != "fastdecode" {
		t.Fatalf("expected fastdecode tune, got %q", got)
	}
	if got := argValue(t, args, "-threads"); got != "1" {
		t.Fatalf("expected single thread, got %q", got)
	}
}

func TestBuildArgsBatchModeSegments(t *testing.T) {
	args := BuildArgs("/tmp/in.mp4", "/tmp/out", Settings{BatchMode: true})
	for _, flag := range []string{"-seg_duration", "-frag_duration", "-min_seg_duration"} {
		if got := argValue(t, args, flag); got != "6" {
			t.Fatalf("expected %s 6 in batch mode, got %q", flag, got)
		}
	}
}

func TestBuildArgsDurationCap(t *testing.T) {
	args := BuildArgs("/tmp/in.mp4", "/tmp/out", Settings{MaxDuration: 10 * time.Minute})
	if got := argValue(t, args, "-t"); got != "600" {
		t.Fatalf("expected 600s duration cap, got %q", got)
	}
	args = BuildArgs("/tmp/in.mp4", "/tmp/out", Settings{})
	if got := argValue(t, args, "-t"); got != "1800" {
		t.Fatalf("expected default 1800s cap, got %q", got)
	}
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{Priority: "urgent", InstanceType: "bare-metal", Threads: -3}.normalized()
	if s.Priority != PriorityNormal {
		t.Fatalf("expected unknown priority to normalize, got %q", s.Priority)
	}
	if s.InstanceType != InstanceOnDemand {
		t.Fatalf("expected unknown instance type to normalize, got %q", s.InstanceType)
	}
	if s.Threads != 2 {
		t.Fatalf("expected default thread count, got %d", s.Threads)
	}
	if s.MaxDuration != defaultMaxDuration {
		t.Fatalf("expected default time budget, got %s", s.MaxDuration)
	}
	if len(s.Ladder()) != 4 {
		t.Fatalf("expected full ladder, got %d renditions", len(s.Ladder()))
	}
}

func TestRunRejectsMissingPaths(t *testing.T) {
	enc := New(Settings{}, quietLogger())
	if err := enc.Run(context.Background(), "", t.TempDir()); err == nil {
		t.Fatal("expected error for missing input")
	}
	if err := enc.Run(context.Background(), "/tmp/in.mp4", " "); err == nil {
		t.Fatal("expected error for missing output directory")
	}
}

func TestRunReportsSpawnFailure(t *testing.T) {
	enc := New(Settings{}, quietLogger(), WithBinary(filepath.Join(t.TempDir(), "missing-ffmpeg")))
	err := enc.Run(context.Background(), "/tmp/in.mp4", t.TempDir())
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("spawn failure should not report a timeout")
	}
	if !strings.Contains(err.Error(), "spawn ffmpeg") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &ExitError{Code: 1, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected ExitError to unwrap its cause")
	}
	if !strings.Contains(err.Error(), "code 1") {
		t.Fatalf("unexpected message: %v", err)
	}
}
