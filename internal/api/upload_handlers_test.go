package api

import (
	"net/http"
	"strings"
	"testing"

	"visionsync/internal/models"
)

func TestPresignUploadCreatesRecord(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/presign", map[string]interface{}{
		"fileName": "holiday.mp4",
		"fileType": "video/mp4",
		"fileSize": 2048,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusCreated, recorder.Body.String())
	}

	var resp presignResponse
	decodeData(t, recorder, &resp)
	if resp.VideoID == "" {
		t.Fatal("expected a video id")
	}
	if want := "videos/" + resp.VideoID + "/holiday.mp4"; resp.Key != want {
		t.Errorf("key = %q, want %q", resp.Key, want)
	}
	if !strings.HasPrefix(resp.UploadURL, "https://uploads.test/") {
		t.Errorf("uploadUrl = %q, want presigned handle", resp.UploadURL)
	}

	video, ok := handler.Store.GetVideo(resp.VideoID)
	if !ok {
		t.Fatal("expected stored record for presigned upload")
	}
	if video.Status != models.StatusUploading {
		t.Errorf("status = %s, want %s", video.Status, models.StatusUploading)
	}
	if video.FileSize != 2048 {
		t.Errorf("fileSize = %d, want 2048", video.FileSize)
	}
}

func TestPresignUploadValidation(t *testing.T) {
	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{"fileType": "video/mp4", "fileSize": 10}},
		{"path traversal", map[string]interface{}{"fileName": "../../etc/passwd", "fileType": "video/mp4", "fileSize": 10}},
		{"long name", map[string]interface{}{"fileName": strings.Repeat("a", 256) + ".mp4", "fileType": "video/mp4", "fileSize": 10}},
		{"bad type", map[string]interface{}{"fileName": "a.mkv", "fileType": "video/x-matroska", "fileSize": 10}},
		{"type prefix trick", map[string]interface{}{"fileName": "a.mp4", "fileType": "video/mp4extra", "fileSize": 10}},
		{"zero size", map[string]interface{}{"fileName": "a.mp4", "fileType": "video/mp4", "fileSize": 0}},
		{"negative size", map[string]interface{}{"fileName": "a.mp4", "fileType": "video/mp4", "fileSize": -5}},
		{"oversize", map[string]interface{}{"fileName": "a.mp4", "fileType": "video/mp4", "fileSize": int64(5)<<30 + 1}},
	}

	handler, _, _ := newTestHandler(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/presign", tc.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusBadRequest, recorder.Body.String())
			}
		})
	}

	if videos := handler.Store.ListVideos(); len(videos) != 0 {
		t.Errorf("rejected requests must not create records, found %d", len(videos))
	}
}

func TestPresignUploadGatewayFailure(t *testing.T) {
	handler, objects, _ := newTestHandler(t)
	objects.presignErr = errBoom

	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/presign", map[string]interface{}{
		"fileName": "a.mp4",
		"fileType": "video/mp4",
		"fileSize": 10,
	})
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusBadGateway)
	}
	if videos := handler.Store.ListVideos(); len(videos) != 0 {
		t.Errorf("failed presign must not create records, found %d", len(videos))
	}
}

func TestConfirmUploadEnqueuesJob(t *testing.T) {
	handler, _, enqueuer := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusUploading)

	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/confirm/"+video.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}

	var confirmed models.Video
	decodeData(t, recorder, &confirmed)
	if confirmed.Status != models.StatusProcessing {
		t.Errorf("status = %s, want %s", confirmed.Status, models.StatusProcessing)
	}

	if len(enqueuer.jobs) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(enqueuer.jobs))
	}
	job := enqueuer.jobs[0]
	if job.VideoID != video.ID {
		t.Errorf("job videoId = %q, want %q", job.VideoID, video.ID)
	}
	if job.BucketName != "raw-bucket" {
		t.Errorf("job bucket = %q, want raw-bucket", job.BucketName)
	}
	if want := "videos/" + video.ID + "/clip.mp4"; job.FileName != want {
		t.Errorf("job fileName = %q, want %q", job.FileName, want)
	}
}

func TestConfirmUploadUnknownVideo(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/confirm/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestConfirmUploadEnqueueFailureMarksError(t *testing.T) {
	handler, _, enqueuer := newTestHandler(t)
	enqueuer.err = errBoom
	video := seedVideo(t, handler, models.StatusUploading)

	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/confirm/"+video.ID, nil)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusBadGateway, recorder.Body.String())
	}

	stored, ok := handler.Store.GetVideo(video.ID)
	if !ok {
		t.Fatal("record disappeared")
	}
	if stored.Status != models.StatusError {
		t.Errorf("status = %s, want %s", stored.Status, models.StatusError)
	}
	if stored.ErrorMessage == "" {
		t.Error("expected an error message on the record")
	}
}

func TestConfirmUploadRejectsTerminalStates(t *testing.T) {
	handler, _, enqueuer := newTestHandler(t)
	video := seedVideo(t, handler, models.StatusReady)

	recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/confirm/"+video.ID, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusConflict, recorder.Body.String())
	}
	if len(enqueuer.jobs) != 0 {
		t.Errorf("terminal confirm must not enqueue, got %d jobs", len(enqueuer.jobs))
	}
}

func TestUploadMethodAndRouteChecks(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	if recorder := doJSON(t, handler.Upload, http.MethodGet, "/api/upload/presign", nil); recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET presign status = %d, want %d", recorder.Code, http.StatusMethodNotAllowed)
	}
	if recorder := doJSON(t, handler.Upload, http.MethodPost, "/api/upload/unknown", nil); recorder.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", recorder.Code, http.StatusNotFound)
	}
}
