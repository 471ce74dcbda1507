package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const testTenantID = "00000000-0000-0000-0000-000000000001"

func localTenancyResolver() TenancyResolver {
	return newStaticTenancyResolver(map[string]Tenant{
		"localhost": {ID: testTenantID, Domain: "localhost", Name: "Local Tenant"},
	})
}

func setTestAllowlist(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	allowlistPath := filepath.Clean(filepath.Join(wd, "..", "..", "config", "routing", "allowlist.yaml"))
	t.Setenv("ALLOWLIST_PATH", allowlistPath)
}

func newTestIdentityProvider(t *testing.T) *memoryIdentityProvider {
	t.Helper()
	idp := newMemoryIdentityProvider()
	if err := idp.register(testTenantID, "tenant-admin@example.invalid", "pw", "tenant-admin"); err != nil {
		t.Fatal(err)
	}
	if err := idp.register(testTenantID, "tenant-viewer@example.invalid", "pw", "tenant-viewer"); err != nil {
		t.Fatal(err)
	}
	return idp
}

// newTestHandler builds a fully memory-backed handler. Passing a memory
// AccountStore keeps the PG pool out of the picture; every other nil
// store then defaults to its memory implementation.
func newTestHandler(t *testing.T, mutate func(*HandlerOptions)) http.Handler {
	t.Helper()
	setTestAllowlist(t)

	opts := HandlerOptions{
		TenancyResolver:  localTenancyResolver(),
		IdentityProvider: newTestIdentityProvider(t),
		AccountStore:     newAccountMemoryStore(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := NewHandlerWithOptions(opts)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func loginAs(t *testing.T, h http.Handler, email string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "pw"})
	req := httptest.NewRequest(http.MethodPost, "/iam/api/sessions", bytes.NewReader(body))
	req.Host = "localhost:8080"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sid" && c.Value != "" {
			return c
		}
	}
	t.Fatal("no sid cookie set")
	return nil
}

func doJSON(t *testing.T, h http.Handler, method string, path string, sid *http.Cookie, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Host = "localhost:8080"
	if sid != nil {
		req.AddCookie(sid)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNewHandler_Health(t *testing.T) {
	h := newTestHandler(t, nil)

	for _, path := range []string{"/health", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
		if rec.Body.String() != "ok\n" {
			t.Fatalf("%s body=%q", path, rec.Body.String())
		}
	}
}

func TestMustNewHandler_PanicsOnBadPath(t *testing.T) {
	t.Setenv("ALLOWLIST_PATH", "no-such-file.yaml")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = MustNewHandler()
}

func TestLogin_SetsSessionAndMe(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodGet, "/iam/api/me", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["tenant_id"] != testTenantID {
		t.Fatalf("tenant_id=%v", body["tenant_id"])
	}
	if body["email"] != "tenant-admin@example.invalid" {
		t.Fatalf("email=%v", body["email"])
	}
	if body["role_slug"] != "tenant-admin" {
		t.Fatalf("role_slug=%v", body["role_slug"])
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/iam/api/sessions", nil, map[string]string{
		"email":    "tenant-admin@example.invalid",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "invalid_credentials" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := doJSON(t, h, http.MethodGet, "/crm/api/accounts", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "unauthorized" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestUnknownHost_TenantNotFound(t *testing.T) {
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/crm/api/accounts", nil)
	req.Host = "nobody.example.invalid"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "tenant_not_found" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestViewerRole_ReadOnlyOnCRM(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-viewer@example.invalid")

	rec := doJSON(t, h, http.MethodGet, "/crm/api/accounts", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer read status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/accounts", sid, map[string]string{"name": "Acme"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "forbidden" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestAccounts_CreateAndList(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodPost, "/crm/api/accounts", sid, map[string]string{
		"name":     "Acme Corp",
		"industry": "manufacturing",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/crm/api/accounts", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}
	body := decodeBody(t, rec)
	accounts, ok := body["accounts"].([]any)
	if !ok || len(accounts) != 1 {
		t.Fatalf("accounts=%v", body["accounts"])
	}
}

func TestLogout_RedirectsAndRevokes(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodPost, "/logout", sid, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout status=%d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/app/login" {
		t.Fatalf("location=%q", loc)
	}

	rec = doJSON(t, h, http.MethodGet, "/iam/api/me", sid, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout status=%d", rec.Code)
	}
}

func TestDefaultAllowlistPath_Errors(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	tmp := t.TempDir()
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if _, err := defaultAllowlistPath(); err == nil {
		t.Fatal("expected error")
	}
}
