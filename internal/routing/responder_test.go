package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorJSONOnlyClasses(t *testing.T) {
	for _, rc := range []RouteClass{RouteClassInternalAPI, RouteClassPublicAPI, RouteClassEvents} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/crm/api/x", nil)
		WriteError(rec, req, rc, http.StatusBadRequest, "invalid_request", "invalid request")

		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("%s: content type %q", rc, ct)
		}
		var env ErrorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatal(err)
		}
		if env.Code != "invalid_request" || env.Meta.Path != "/crm/api/x" || env.Meta.Method != http.MethodGet {
			t.Fatalf("%s: envelope %+v", rc, env)
		}
	}
}

func TestWriteErrorUIHTML(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	WriteError(rec, req, RouteClassUI, http.StatusNotFound, "not_found", "not found")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}
}

func TestWriteErrorUIAcceptJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	req.Header.Set("Accept", "application/json")
	WriteError(rec, req, RouteClassUI, http.StatusNotFound, "not_found", "not found")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
}

func TestTraceIDFromRequest(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01", "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"00-00000000000000000000000000000000-00f067aa0ba902b7-01", ""},
		{"00-zzzz2f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", ""},
		{"not-a-traceparent", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("traceparent", tc.header)
		}
		if got := TraceIDFromRequest(req); got != tc.want {
			t.Errorf("traceparent %q: got %q, want %q", tc.header, got, tc.want)
		}
	}
}
