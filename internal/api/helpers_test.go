package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"visionsync/internal/models"
	"visionsync/internal/queue"
	"visionsync/internal/storage"
)

type fakeObjects struct {
	mu           sync.Mutex
	presignErr   error
	downloadErr  error
	deleted      []string
	deletedTrees []string
}

func (f *fakeObjects) UploadBucket() string { return "raw-bucket" }
func (f *fakeObjects) OutputBucket() string { return "processed-bucket" }

func (f *fakeObjects) PresignUpload(ctx context.Context, key, contentType string) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://uploads.test/" + key, nil
}

func (f *fakeObjects) PresignDownload(ctx context.Context, bucket, key string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return fmt.Sprintf("https://cdn.test/%s/%s", bucket, key), nil
}

func (f *fakeObjects) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, bucket+"/"+key)
	return nil
}

func (f *fakeObjects) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTrees = append(f.deletedTrees, bucket+"/"+prefix)
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	err  error
	jobs []queue.JobMessage
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, message queue.JobMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, message)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeObjects, *fakeEnqueuer) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "videos.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	objects := &fakeObjects{}
	enqueuer := &fakeEnqueuer{}
	handler := NewHandler(store)
	handler.Objects = objects
	handler.Queue = enqueuer
	return handler, objects, enqueuer
}

func seedVideo(t *testing.T, h *Handler, status models.Status) models.Video {
	t.Helper()
	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		Title:    "clip",
		Filename: "clip.mp4",
		FileSize: 1024,
	})
	if err != nil {
		t.Fatalf("seed video: %v", err)
	}
	for _, step := range statusPath(status) {
		if video, err = h.Store.UpdateStatus(video.ID, storage.StatusUpdate{Status: step}); err != nil {
			t.Fatalf("advance seed video to %s: %v", step, err)
		}
	}
	return video
}

// statusPath lists the forward transitions needed to reach target from a
// fresh record.
func statusPath(target models.Status) []models.Status {
	switch target {
	case models.StatusUploaded:
		return []models.Status{models.StatusUploaded}
	case models.StatusProcessing:
		return []models.Status{models.StatusUploaded, models.StatusProcessing}
	case models.StatusReady:
		return []models.Status{models.StatusUploaded, models.StatusProcessing, models.StatusReady}
	case models.StatusError:
		return []models.Status{models.StatusError}
	}
	return nil
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reader).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler(recorder, req)
	return recorder
}

func decodeData(t *testing.T, recorder *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, recorder.Body.String())
	}
	if envelope.Error != "" {
		t.Fatalf("unexpected error response: %s", envelope.Error)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v (body %q)", err, recorder.Body.String())
	}
}

var errBoom = errors.New("boom")
