package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQuotes_DuplicateNumberStableCode(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	payload := map[string]any{
		"quote_number":  "Q-1001",
		"customer_name": "Acme Corp",
		"total_cents":   125000,
	}
	rec := doJSON(t, h, http.MethodPost, "/crm/api/quotes", sid, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/quotes", sid, payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("dup status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "CRM_QUOTE_NUMBER_TAKEN" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestOrders_DuplicateNumberStableCode(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	payload := map[string]any{
		"order_number":  "SO-2001",
		"customer_name": "Globex",
		"total_cents":   9900,
	}
	rec := doJSON(t, h, http.MethodPost, "/crm/api/orders", sid, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/orders", sid, payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("dup status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "CRM_ORDER_NUMBER_TAKEN" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestProducts_DuplicateSKUStableCode(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	payload := map[string]any{
		"name":        "Widget",
		"sku":         "WID-1",
		"price_cents": 500,
	}
	rec := doJSON(t, h, http.MethodPost, "/crm/api/products", sid, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/products", sid, payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("dup status=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "CRM_PRODUCT_SKU_TAKEN" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestLeadStatus_FullFlow(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodPost, "/crm/api/leads", sid, map[string]string{
		"name":    "Jamie Ortega",
		"company": "Initech",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	leadUUID, _ := decodeBody(t, rec)["lead_uuid"].(string)
	if leadUUID == "" {
		t.Fatalf("no lead_uuid in %s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/leads/status", sid, map[string]string{
		"lead_uuid": leadUUID,
		"status":    "qualified",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status update=%d body=%s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "qualified" {
		t.Fatalf("body=%s", rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/leads/status", sid, map[string]string{
		"lead_uuid": leadUUID,
		"status":    "frozen",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/crm/api/leads/status", sid, map[string]string{
		"lead_uuid": "33333333-3333-3333-3333-333333333333",
		"status":    "qualified",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing lead status=%d body=%s", rec.Code, rec.Body.String())
	}

	// The status change landed in the acting principal's feed.
	rec = doJSON(t, h, http.MethodGet, "/notifications/api", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("feed status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if unread, ok := body["unread"].(float64); !ok || unread < 1 {
		t.Fatalf("unread=%v body=%s", body["unread"], rec.Body.String())
	}
}

func TestCases_NumberFormat(t *testing.T) {
	store := newCaseMemoryStore()
	ctx := context.Background()

	c1, err := store.CreateCase(ctx, testTenantID, "Printer on fire", "high")
	if err != nil {
		t.Fatal(err)
	}
	if c1.CaseNumber != "CS-000001" {
		t.Fatalf("case_number=%q", c1.CaseNumber)
	}
	c2, err := store.CreateCase(ctx, testTenantID, "Login broken", "")
	if err != nil {
		t.Fatal(err)
	}
	if c2.CaseNumber != "CS-000002" {
		t.Fatalf("case_number=%q", c2.CaseNumber)
	}
	if c2.Priority != "normal" {
		t.Fatalf("priority=%q", c2.Priority)
	}
}

func TestOpportunityStage_RejectsUnknown(t *testing.T) {
	store := newOpportunityMemoryStore()
	ctx := context.Background()

	o, err := store.CreateOpportunity(ctx, testTenantID, "Big deal", "Acme", 100000)
	if err != nil {
		t.Fatal(err)
	}
	if o.Stage != "prospecting" {
		t.Fatalf("stage=%q", o.Stage)
	}

	if _, err := store.UpdateOpportunityStage(ctx, testTenantID, o.UUID, "daydreaming"); err == nil {
		t.Fatal("expected error for unknown stage")
	} else if !isBadRequestError(err) {
		t.Fatalf("err=%v", err)
	}

	got, err := store.UpdateOpportunityStage(ctx, testTenantID, o.UUID, "negotiation")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != "negotiation" {
		t.Fatalf("stage=%q", got.Stage)
	}
}

func TestTenantIsolation_MemoryStores(t *testing.T) {
	store := newLeadMemoryStore()
	ctx := context.Background()

	if _, err := store.CreateLead(ctx, testTenantID, "Visible Lead", "", ""); err != nil {
		t.Fatal(err)
	}

	other, err := store.ListLeads(ctx, "00000000-0000-0000-0000-000000000002")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("cross-tenant leak: %v", other)
	}

	hits, err := store.SearchLeads(ctx, "00000000-0000-0000-0000-000000000002", "visible", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("cross-tenant search leak: %v", hits)
	}
}

func TestDecodeJSON_BadBody(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	req := httptest.NewRequest(http.MethodPost, "/crm/api/leads", strings.NewReader("{not json"))
	req.Host = "localhost:8080"
	req.AddCookie(sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
