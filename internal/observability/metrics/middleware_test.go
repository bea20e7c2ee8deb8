package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsStatusAndDuration(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/upload/presign", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	labels := prometheus.Labels{"method": "POST", "path": "/api/upload/presign", "status": "201"}
	if got := testutil.ToFloat64(rec.requestTotal.With(labels)); got != 1 {
		t.Fatalf("expected request counted once, got %v", got)
	}
}

func TestHTTPMiddlewareDefaultsStatusToOK(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	labels := prometheus.Labels{"method": "GET", "path": "/healthz", "status": "200"}
	if got := testutil.ToFloat64(rec.requestTotal.With(labels)); got != 1 {
		t.Fatalf("expected implicit 200 to be recorded, got %v", got)
	}
}

func TestResponseRecorderPreservesHijacker(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported from non-hijackable writer, got %v", err)
	}
}
