package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (s *memoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no object %s/%s", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memoryStore) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
	return nil
}

func (s *memoryStore) keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if len(key) > len(bucket) && key[:len(bucket)+1] == bucket+"/" {
			keys = append(keys, key[len(bucket)+1:])
		}
	}
	sort.Strings(keys)
	return keys
}

// fakeEncoder writes a DASH-shaped output tree instead of running ffmpeg.
type fakeEncoder struct {
	err      error
	files    []string
	gotInput string
}

func (f *fakeEncoder) Run(ctx context.Context, input, outputDir string) error {
	f.gotInput = input
	if f.err != nil {
		return f.err
	}
	files := f.files
	if files == nil {
		files = []string{"manifest.mpd", "init-0.m4s", "chunk-0-00001.m4s"}
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte(name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type webhookCapture struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *webhookCapture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var outcome Outcome
		if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		c.mu.Lock()
		c.outcomes = append(c.outcomes, outcome)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *webhookCapture) last(t *testing.T) Outcome {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outcomes) == 0 {
		t.Fatal("no webhook deliveries")
	}
	return c.outcomes[len(c.outcomes)-1]
}

func testConfig(t *testing.T, webhookURL string) Config {
	return Config{
		VideoBucket:   "raw-bucket",
		VideoFileName: "videos/vid-1/clip.mp4",
		VideoID:       "vid-1",
		OutputBucket:  "processed-bucket",
		WebhookURL:    webhookURL,
		PublicBaseURL: "https://cdn.test",
		InstanceType:  "spot",
		Priority:      "low",
		TempDir:       t.TempDir(),
	}
}

func TestProcessorHappyPath(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw video bytes")

	encoder := &fakeEncoder{}
	processor, err := New(testConfig(t, server.URL), store, nil, WithTranscoder(encoder))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if filepath.Ext(encoder.gotInput) != ".mp4" {
		t.Errorf("encoder input = %q, want source .mp4 path", encoder.gotInput)
	}

	wantKeys := []string{"vid-1/chunk-0-00001.m4s", "vid-1/init-0.m4s", "vid-1/manifest.mpd"}
	gotKeys := store.keys("processed-bucket")
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("uploaded keys = %v, want %v", gotKeys, wantKeys)
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Fatalf("uploaded keys = %v, want %v", gotKeys, wantKeys)
		}
	}

	outcome := capture.last(t)
	if outcome.Status != "ready" {
		t.Errorf("webhook status = %q, want ready", outcome.Status)
	}
	if outcome.ManifestURL != "https://cdn.test/vid-1/manifest.mpd" {
		t.Errorf("webhook manifestUrl = %q", outcome.ManifestURL)
	}
	if outcome.ProcessingMode != "economy" || outcome.InstanceType != "spot" {
		t.Errorf("webhook tier fields = %+v", outcome)
	}
}

func TestProcessorReportsManifestKeyWithoutPublicBase(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	cfg := testConfig(t, server.URL)
	cfg.PublicBaseURL = ""

	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw video bytes")

	processor, err := New(cfg, store, nil, WithTranscoder(&fakeEncoder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	outcome := capture.last(t)
	if outcome.Status != "ready" {
		t.Fatalf("webhook status = %q, want ready", outcome.Status)
	}
	if outcome.ManifestURL != "vid-1/manifest.mpd" {
		t.Errorf("webhook manifestUrl = %q, want relative manifest key", outcome.ManifestURL)
	}
}

func TestProcessorCleansWorkDir(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	cfg := testConfig(t, server.URL)
	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw")

	processor, err := New(cfg, store, nil, WithTranscoder(&fakeEncoder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := processor.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.TempDir, cfg.VideoID)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("work dir still present: %v", err)
	}
}

func TestProcessorReportsEncodeFailure(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw")

	boom := errors.New("encode exploded")
	processor, err := New(testConfig(t, server.URL), store, nil, WithTranscoder(&fakeEncoder{err: boom}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := processor.Process(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Process error = %v, want %v", err, boom)
	}

	outcome := capture.last(t)
	if outcome.Status != "error" {
		t.Errorf("webhook status = %q, want error", outcome.Status)
	}
	if outcome.Error == "" {
		t.Error("expected an error message in the webhook payload")
	}
	if keys := store.keys("processed-bucket"); len(keys) != 0 {
		t.Errorf("failed job must not upload renditions, got %v", keys)
	}
}

func TestProcessorReportsDownloadFailure(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	store := newMemoryStore()
	store.getErr = errors.New("bucket unreachable")

	processor, err := New(testConfig(t, server.URL), store, nil, WithTranscoder(&fakeEncoder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := processor.Process(context.Background()); err == nil {
		t.Fatal("expected download failure")
	}
	if outcome := capture.last(t); outcome.Status != "error" {
		t.Errorf("webhook status = %q, want error", outcome.Status)
	}
}

func TestProcessorRejectsEmptyOutput(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw")

	processor, err := New(testConfig(t, server.URL), store, nil, WithTranscoder(&fakeEncoder{files: []string{}}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := processor.Process(context.Background()); err == nil {
		t.Fatal("expected failure when the encoder produced nothing")
	}
	if outcome := capture.last(t); outcome.Status != "error" {
		t.Errorf("webhook status = %q, want error", outcome.Status)
	}
}

func TestProcessorFailureWebhookSurvivesCancelledContext(t *testing.T) {
	capture := &webhookCapture{}
	server := httptest.NewServer(capture.handler(t))
	defer server.Close()

	store := newMemoryStore()
	store.objects["raw-bucket/videos/vid-1/clip.mp4"] = []byte("raw")

	ctx, cancel := context.WithCancel(context.Background())
	blocker := &fakeEncoder{err: context.Canceled}
	processor, err := New(testConfig(t, server.URL), store, nil, WithTranscoder(blocker))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel()

	if err := processor.Process(ctx); err == nil {
		t.Fatal("expected failure")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		capture.mu.Lock()
		delivered := len(capture.outcomes) > 0
		capture.mu.Unlock()
		if delivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure webhook never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
