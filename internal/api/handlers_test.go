package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestHealthReportsComponents(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder := doJSON(t, handler.Health, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", recorder.Code, http.StatusOK, recorder.Body.String())
	}

	var payload struct {
		Status   string            `json:"status"`
		Services []componentStatus `json:"services"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v (body %s)", err, recorder.Body.String())
	}
	if payload.Status != "ok" {
		t.Errorf("overall status = %q, want ok", payload.Status)
	}
	if len(payload.Services) == 0 {
		t.Fatal("expected at least the storage component")
	}
	for _, component := range payload.Services {
		if component.Status != "ok" {
			t.Errorf("component %s status = %q, want ok", component.Component, component.Status)
		}
	}
}

func TestHealthRejectsNonGET(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	if recorder := doJSON(t, handler.Health, http.MethodPost, "/healthz", nil); recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusMethodNotAllowed)
	}
}
