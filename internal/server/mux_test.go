package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewMux_Healthz(t *testing.T) {
	setTestAllowlist(t)

	h := NewMux()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body=%q", rec.Body.String())
	}
}
