package api

import (
	"net/http"
	"testing"
	"time"

	"visionsync/internal/models"
	"visionsync/internal/storage"
)

func TestVideosList(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	seedVideo(t, handler, models.StatusUploading)
	seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.Videos, http.MethodGet, "/api/videos", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var videos []models.Video
	decodeData(t, recorder, &videos)
	if len(videos) != 2 {
		t.Fatalf("videos = %d, want 2", len(videos))
	}
}

func TestVideosByStatus(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	seedVideo(t, handler, models.StatusUploading)
	ready := seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/status/ready", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}
	var videos []models.Video
	decodeData(t, recorder, &videos)
	if len(videos) != 1 || videos[0].ID != ready.ID {
		t.Fatalf("by-status result = %+v, want single record %s", videos, ready.ID)
	}

	if recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/status/bogus", nil); recorder.Code != http.StatusBadRequest {
		t.Errorf("unknown status code = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestVideoSearch(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusUploading)
	if _, err := handler.Store.UpdateVideo(video.ID, storage.VideoUpdate{Title: stringPtr("Sunset Timelapse")}); err != nil {
		t.Fatalf("retitle: %v", err)
	}

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/search?q=sunset", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}
	var videos []models.Video
	decodeData(t, recorder, &videos)
	if len(videos) != 1 {
		t.Fatalf("matches = %d, want 1", len(videos))
	}

	if recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/search", nil); recorder.Code != http.StatusBadRequest {
		t.Errorf("missing query code = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestVideoStats(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	seedVideo(t, handler, models.StatusUploading)
	seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/stats", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var stats models.VideoStats
	decodeData(t, recorder, &stats)
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[models.StatusReady] != 1 {
		t.Errorf("ready count = %d, want 1", stats.ByStatus[models.StatusReady])
	}
	if stats.TotalBytes != 2048 {
		t.Errorf("totalSize = %d, want 2048", stats.TotalBytes)
	}
}

func TestVideoRecordLifecycle(t *testing.T) {
	handler, objects, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusUploading)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", recorder.Code, http.StatusOK)
	}

	recorder = doJSON(t, handler.VideoByID, http.MethodPut, "/api/videos/"+video.ID, map[string]interface{}{
		"title":       "Renamed",
		"description": "fresh description",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}
	var updated models.Video
	decodeData(t, recorder, &updated)
	if updated.Title != "Renamed" || updated.Description != "fresh description" {
		t.Errorf("updated record = %+v", updated)
	}

	recorder = doJSON(t, handler.VideoByID, http.MethodDelete, "/api/videos/"+video.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if _, ok := handler.Store.GetVideo(video.ID); ok {
		t.Error("record still present after delete")
	}

	// Object cleanup runs detached from the request.
	deadline := time.Now().Add(2 * time.Second)
	for {
		objects.mu.Lock()
		rawDone := len(objects.deleted) == 1
		treeDone := len(objects.deletedTrees) == 1
		objects.mu.Unlock()
		if rawDone && treeDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("object cleanup never ran: deleted=%v trees=%v", objects.deleted, objects.deletedTrees)
		}
		time.Sleep(10 * time.Millisecond)
	}
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if want := "raw-bucket/videos/" + video.ID + "/clip.mp4"; objects.deleted[0] != want {
		t.Errorf("raw delete = %q, want %q", objects.deleted[0], want)
	}
	if want := "processed-bucket/" + video.ID + "/"; objects.deletedTrees[0] != want {
		t.Errorf("tree delete = %q, want %q", objects.deletedTrees[0], want)
	}
}

func TestVideoRecordUpdateValidation(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusUploading)

	if recorder := doJSON(t, handler.VideoByID, http.MethodPut, "/api/videos/"+video.ID, map[string]interface{}{}); recorder.Code != http.StatusBadRequest {
		t.Errorf("empty update code = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
	if recorder := doJSON(t, handler.VideoByID, http.MethodPut, "/api/videos/missing", map[string]interface{}{"title": "x"}); recorder.Code != http.StatusNotFound {
		t.Errorf("missing record code = %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestVideoStatusEndpoint(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	manifest := "https://cdn.test/processed-bucket/manifest.mpd"
	video := seedVideo(t, handler, models.StatusProcessing)
	if _, err := handler.Store.UpdateStatus(video.ID, storage.StatusUpdate{
		Status:      models.StatusReady,
		ManifestURL: &manifest,
	}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var payload struct {
		VideoID     string `json:"videoId"`
		Status      string `json:"status"`
		ManifestURL string `json:"manifestUrl"`
	}
	decodeData(t, recorder, &payload)
	if payload.VideoID != video.ID || payload.Status != string(models.StatusReady) || payload.ManifestURL != manifest {
		t.Errorf("status payload = %+v", payload)
	}
}

func TestVideoManifestRedirect(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/manifest", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusFound, recorder.Body.String())
	}
	want := "https://cdn.test/processed-bucket/" + video.ID + "/manifest.mpd"
	if location := recorder.Header().Get("Location"); location != want {
		t.Errorf("location = %q, want %q", location, want)
	}
}

func TestVideoManifestRequiresReady(t *testing.T) {
	handler, objects, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusProcessing)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/manifest", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}

	// Not-ready requests must short-circuit before touching storage, so a
	// broken gateway would not have mattered.
	objects.downloadErr = errBoom
	recorder = doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/manifest", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status with broken gateway = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestVideoSegmentRedirect(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/segments/chunk-0-00001.m4s", nil)
	if recorder.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusFound, recorder.Body.String())
	}
	want := "https://cdn.test/processed-bucket/" + video.ID + "/chunk-0-00001.m4s"
	if location := recorder.Header().Get("Location"); location != want {
		t.Errorf("location = %q, want %q", location, want)
	}
}

func TestVideoSegmentNameValidation(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusReady)

	for _, name := range []string{"chunk.exe", "chunk$1.m4s", "init-0", ".m4s"} {
		recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/"+video.ID+"/segments/"+name, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("segment %q code = %d, want %d", name, recorder.Code, http.StatusBadRequest)
		}
	}
}

func TestVideoRoutesNotFound(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	for _, path := range []string{"/api/videos/missing", "/api/videos/missing/status", "/api/videos/missing/manifest"} {
		recorder := doJSON(t, handler.VideoByID, http.MethodGet, path, nil)
		if recorder.Code != http.StatusNotFound {
			t.Errorf("%s code = %d, want %d", path, recorder.Code, http.StatusNotFound)
		}
	}
	if recorder := doJSON(t, handler.VideoByID, http.MethodGet, "/api/videos/a/b/c/d", nil); recorder.Code != http.StatusNotFound {
		t.Errorf("deep path code = %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func stringPtr(value string) *string { return &value }
