package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"duskcall/internal/presence"
	"duskcall/internal/relay"
)

func TestHandleHealthReportsClientCount(t *testing.T) {
	room := relay.NewRoom(presence.NewRoster(), nil)
	s := New(room, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
}

func TestHandleFingerprintUnavailableWithoutCert(t *testing.T) {
	room := relay.NewRoom(presence.NewRoster(), nil)
	s := New(room, "")

	req := httptest.NewRequest(http.MethodGet, "/fingerprint", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a fingerprint, got %d", rec.Code)
	}
}

func TestHandleFingerprintReturnsConfiguredValue(t *testing.T) {
	room := relay.NewRoom(presence.NewRoster(), nil)
	s := New(room, "deadbeef")

	req := httptest.NewRequest(http.MethodGet, "/fingerprint", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp fingerprintResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SHA256 != "deadbeef" {
		t.Fatalf("expected fingerprint deadbeef, got %q", resp.SHA256)
	}
}

func TestHandleMetricsReflectsRoomStats(t *testing.T) {
	room := relay.NewRoom(presence.NewRoster(), nil)
	s := New(room, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp metricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Clients != 0 {
		t.Fatalf("expected 0 clients on an empty room, got %d", resp.Clients)
	}
}
