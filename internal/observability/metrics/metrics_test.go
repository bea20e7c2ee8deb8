package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestRecordsNormalizedLabels(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/api/videos/3f8a2c1e9b7d4a65", http.StatusOK, 25*time.Millisecond)
	rec.ObserveRequest("get", "/api/videos/77aa88bb99cc00dd", http.StatusOK, 10*time.Millisecond)

	labels := prometheus.Labels{"method": "GET", "path": "/api/videos/:id", "status": "200"}
	if got := testutil.ToFloat64(rec.requestTotal.With(labels)); got != 2 {
		t.Fatalf("expected 2 requests under collapsed path, got %v", got)
	}
}

func TestTranscodeJobGauge(t *testing.T) {
	rec := New()

	rec.TranscodeJobStarted("economy")
	rec.TranscodeJobStarted("standard")
	if got := testutil.ToFloat64(rec.transcodeActive); got != 2 {
		t.Fatalf("expected 2 active jobs, got %v", got)
	}

	rec.TranscodeJobCompleted("economy")
	rec.TranscodeJobFailed("standard")
	if got := testutil.ToFloat64(rec.transcodeActive); got != 0 {
		t.Fatalf("expected active gauge back at 0, got %v", got)
	}

	if got := testutil.ToFloat64(rec.transcodeJobs.WithLabelValues("standard", "fail")); got != 1 {
		t.Fatalf("expected 1 failed standard job, got %v", got)
	}
}

func TestObserveWebhookNormalizesOutcome(t *testing.T) {
	rec := New()
	rec.ObserveWebhook(" Accepted ")
	rec.ObserveWebhook("")

	if got := testutil.ToFloat64(rec.webhookDeliveries.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("expected accepted outcome to be normalized, got %v", got)
	}
	if got := testutil.ToFloat64(rec.webhookDeliveries.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected empty outcome to fall back to unknown, got %v", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	rec := New()
	rec.ObserveUploadEvent("confirmed")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	rec.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", recorder.Code)
	}

	body, err := io.ReadAll(recorder.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "visionsync_upload_events_total") {
		t.Fatalf("expected exposition to include upload counter, got:\n%s", body)
	}
}

func TestNormalizePath(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "root", input: "/", expected: "/"},
		{name: "empty", input: "", expected: "/"},
		{name: "static", input: "/healthz", expected: "/healthz"},
		{name: "uuid segment", input: "/api/videos/9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", expected: "/api/videos/:id"},
		{name: "numeric segment", input: "/api/videos/12345/status", expected: "/api/videos/:id/status"},
		{name: "trailing slash", input: "/api/videos/", expected: "/api/videos"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePath(tc.input); got != tc.expected {
				t.Fatalf("normalizePath(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
