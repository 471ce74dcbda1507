package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type failingSettingsStore struct{}

func (failingSettingsStore) GetTimezone(context.Context, string) (string, error) {
	return "", context.DeadlineExceeded
}

func (failingSettingsStore) SetTimezone(context.Context, string, string) error {
	return context.DeadlineExceeded
}

func TestOrgLocation_FallsBackToUTC(t *testing.T) {
	ctx := context.Background()

	// Unset tenant.
	if loc := orgLocation(ctx, newSettingsMemoryStore(), testTenantID); loc != time.UTC {
		t.Fatalf("loc=%v", loc)
	}

	// Store error.
	if loc := orgLocation(ctx, failingSettingsStore{}, testTenantID); loc != time.UTC {
		t.Fatalf("loc=%v", loc)
	}

	// Garbage zone name persisted out of band.
	s := newSettingsMemoryStore()
	if err := s.SetTimezone(ctx, testTenantID, "Mars/Olympus_Mons"); err != nil {
		t.Fatal(err)
	}
	if loc := orgLocation(ctx, s, testTenantID); loc != time.UTC {
		t.Fatalf("loc=%v", loc)
	}

	if err := s.SetTimezone(ctx, testTenantID, "Asia/Tokyo"); err != nil {
		t.Fatal(err)
	}
	if loc := orgLocation(ctx, s, testTenantID); loc.String() != "Asia/Tokyo" {
		t.Fatalf("loc=%v", loc)
	}
}

func timezoneRequest(t *testing.T, method string, payload any) *http.Request {
	t.Helper()
	var req *http.Request
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, "/crm/api/settings/timezone", bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, "/crm/api/settings/timezone", nil)
	}
	return req.WithContext(withTenant(req.Context(), Tenant{ID: testTenantID, Domain: "localhost"}))
}

func TestTimezoneSettingAPI(t *testing.T) {
	settings := newSettingsMemoryStore()

	rec := httptest.NewRecorder()
	handleTimezoneSettingAPI(rec, timezoneRequest(t, http.MethodGet, nil), settings)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}
	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Timezone != "UTC" {
		t.Fatalf("default timezone=%q", body.Timezone)
	}

	rec = httptest.NewRecorder()
	handleTimezoneSettingAPI(rec, timezoneRequest(t, http.MethodPost, map[string]string{"timezone": "Europe/Berlin"}), settings)
	if rec.Code != http.StatusOK {
		t.Fatalf("set status=%d body=%s", rec.Code, rec.Body.String())
	}
	tz, err := settings.GetTimezone(context.Background(), testTenantID)
	if err != nil {
		t.Fatal(err)
	}
	if tz != "Europe/Berlin" {
		t.Fatalf("tz=%q", tz)
	}

	for _, bad := range []string{"", "Nowhere/Town", "GMT+25"} {
		rec = httptest.NewRecorder()
		handleTimezoneSettingAPI(rec, timezoneRequest(t, http.MethodPost, map[string]string{"timezone": bad}), settings)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("tz=%q status=%d body=%s", bad, rec.Code, rec.Body.String())
		}
	}
}
