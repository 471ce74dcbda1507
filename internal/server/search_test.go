package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
)

type countingAccountStore struct {
	*accountMemoryStore
	searches int
}

func (s *countingAccountStore) SearchAccounts(ctx context.Context, tenantID string, q string, limit int) ([]Account, error) {
	s.searches++
	return s.accountMemoryStore.SearchAccounts(ctx, tenantID, q, limit)
}

type failingLeadStore struct {
	*leadMemoryStore
}

func (s *failingLeadStore) SearchLeads(context.Context, string, string, int) ([]Lead, error) {
	return nil, errors.New("lead source down")
}

func newSearcherFixture(accounts AccountStore, leads LeadStore) (*globalSearcher, *contactMemoryStore, *taskMemoryStore) {
	contacts := newContactMemoryStore()
	tasks := newTaskMemoryStore()
	s := newGlobalSearcher(
		accounts,
		contacts,
		leads,
		newCaseMemoryStore(),
		newOpportunityMemoryStore(),
		newQuoteMemoryStore(),
		newOrderMemoryStore(),
		tasks,
		newProductMemoryStore(),
	)
	return s, contacts, tasks
}

func TestSearch_ShortQuerySkipsSources(t *testing.T) {
	accounts := &countingAccountStore{accountMemoryStore: newAccountMemoryStore()}
	s, _, _ := newSearcherFixture(accounts, newLeadMemoryStore())

	for _, q := range []string{"", " ", "a", " a "} {
		if got := s.Search(context.Background(), testTenantID, q); got != nil {
			t.Fatalf("q=%q: got %v, want nil", q, got)
		}
	}
	if accounts.searches != 0 {
		t.Fatalf("searches=%d, want 0", accounts.searches)
	}

	// Two runes is enough even when they are multibyte.
	_ = s.Search(context.Background(), testTenantID, "东京")
	if accounts.searches != 1 {
		t.Fatalf("searches=%d, want 1", accounts.searches)
	}
}

func TestSearch_ConcatenatesInSourceOrder(t *testing.T) {
	accounts := newAccountMemoryStore()
	leads := newLeadMemoryStore()
	s, contacts, tasks := newSearcherFixture(accounts, leads)

	ctx := context.Background()
	if _, err := accounts.CreateAccount(ctx, testTenantID, "Umbrella Corp", "biotech", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := contacts.CreateContact(ctx, testTenantID, "Umbrella Rep", "rep@umbrella.invalid", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := leads.CreateLead(ctx, testTenantID, "Umbrella Lead", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.CreateTask(ctx, testTenantID, "Call Umbrella", "", nil); err != nil {
		t.Fatal(err)
	}

	results := s.Search(ctx, testTenantID, "umbrella")
	var types []string
	for _, r := range results {
		types = append(types, r.Type)
	}
	want := []string{"account", "contact", "lead", "task"}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("types=%v, want %v", types, want)
	}
}

func TestSearch_FailingSourceContributesNothing(t *testing.T) {
	accounts := newAccountMemoryStore()
	s, _, _ := newSearcherFixture(accounts, &failingLeadStore{leadMemoryStore: newLeadMemoryStore()})

	ctx := context.Background()
	if _, err := accounts.CreateAccount(ctx, testTenantID, "Globex", "", ""); err != nil {
		t.Fatal(err)
	}

	results := s.Search(ctx, testTenantID, "globex")
	if len(results) != 1 || results[0].Type != "account" {
		t.Fatalf("results=%v", results)
	}
}

func TestSearcher_TokenStaleness(t *testing.T) {
	s, _, _ := newSearcherFixture(newAccountMemoryStore(), newLeadMemoryStore())

	key := testTenantID + "|p1"
	t1 := s.nextToken(key)
	t2 := s.nextToken(key)
	if s.isCurrent(key, t1) {
		t.Fatal("older token should be stale")
	}
	if !s.isCurrent(key, t2) {
		t.Fatal("newest token should be current")
	}
	if s.isCurrent(testTenantID+"|p2", t2) {
		t.Fatal("tokens must be scoped per key")
	}
}

func TestDerivedStatus(t *testing.T) {
	cases := []struct {
		in   SearchResult
		want string
	}{
		{SearchResult{Type: "lead", Status: "qualified"}, "qualified"},
		{SearchResult{Type: "opportunity", Stage: "negotiation"}, "negotiation"},
		{SearchResult{Type: "task", IsDone: true}, "completed"},
		{SearchResult{Type: "task", IsDone: false}, "open"},
		{SearchResult{Type: "account"}, ""},
		{SearchResult{Type: "contact"}, ""},
	}
	for _, c := range cases {
		if got := derivedStatus(c.in); got != c.want {
			t.Fatalf("derivedStatus(%+v)=%q, want %q", c.in, got, c.want)
		}
	}
}

func TestPreviewGroups_CapsItemsKeepsTotals(t *testing.T) {
	var results []SearchResult
	for i := 0; i < 5; i++ {
		results = append(results, SearchResult{Type: "account", Name: "A"})
	}
	results = append(results, SearchResult{Type: "lead", Name: "L"})

	groups := previewGroups(results)
	if len(groups) != 2 {
		t.Fatalf("groups=%d", len(groups))
	}
	if groups[0].Type != "account" || groups[0].Shown != 3 || groups[0].Total != 5 || len(groups[0].Items) != 3 {
		t.Fatalf("account group=%+v", groups[0])
	}
	if groups[1].Type != "lead" || groups[1].Shown != 1 || groups[1].Total != 1 {
		t.Fatalf("lead group=%+v", groups[1])
	}
}

func TestFilterResults(t *testing.T) {
	results := []SearchResult{
		{Type: "lead", Name: "a", Status: "new"},
		{Type: "lead", Name: "b", Status: "qualified"},
		{Type: "task", Name: "c", IsDone: true},
	}

	if got := filterResults(results, "", ""); len(got) != 3 {
		t.Fatalf("identity filter: %d", len(got))
	}
	if got := filterResults(results, "all", "all"); len(got) != 3 {
		t.Fatalf("all filter: %d", len(got))
	}
	if got := filterResults(results, "lead", ""); len(got) != 2 {
		t.Fatalf("type filter: %d", len(got))
	}
	got := filterResults(results, "lead", "qualified")
	if len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("combined filter: %v", got)
	}
	if got := filterResults(results, "", "completed"); len(got) != 1 || got[0].Name != "c" {
		t.Fatalf("status filter: %v", got)
	}
}

func TestStatusFacets_SortedDistinct(t *testing.T) {
	results := []SearchResult{
		{Type: "lead", Status: "new"},
		{Type: "lead", Status: "qualified"},
		{Type: "lead", Status: "new"},
		{Type: "task", IsDone: false},
		{Type: "account"},
	}
	got := statusFacets(results)
	want := []string{"new", "open", "qualified"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("facets=%v, want %v", got, want)
	}
}

func TestSortResults(t *testing.T) {
	results := []SearchResult{
		{Type: "account", Name: "beta"},
		{Type: "lead", Name: "Alpha"},
		{Type: "task", Name: "gamma"},
	}

	asc := sortResults(results, "name_asc")
	if asc[0].Name != "Alpha" || asc[2].Name != "gamma" {
		t.Fatalf("asc=%v", asc)
	}
	desc := sortResults(results, "name_desc")
	if desc[0].Name != "gamma" || desc[2].Name != "Alpha" {
		t.Fatalf("desc=%v", desc)
	}

	rel := sortResults(results, "relevance")
	if rel[0].Name != "beta" {
		t.Fatalf("relevance must keep source order: %v", rel)
	}
	// Sorting never mutates the input.
	if results[0].Name != "beta" {
		t.Fatalf("input mutated: %v", results)
	}
}

func TestSearchOneSource(t *testing.T) {
	accounts := &countingAccountStore{accountMemoryStore: newAccountMemoryStore()}
	s, _, _ := newSearcherFixture(accounts, newLeadMemoryStore())

	ctx := context.Background()
	for _, name := range []string{"Acme West", "Acme East", "Globex"} {
		if _, err := accounts.CreateAccount(ctx, testTenantID, name, "", ""); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.searchOneSource(ctx, testTenantID, "account", "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Type != "account" {
		t.Fatalf("results=%v", results)
	}

	// The per-source limit is honored.
	results, err = s.searchOneSource(ctx, testTenantID, "account", "acme", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("limited results=%v", results)
	}

	// The minimum query length rule matches the full fan-out.
	before := accounts.searches
	results, err = s.searchOneSource(ctx, testTenantID, "account", "a", 10)
	if err != nil || results != nil {
		t.Fatalf("short query: results=%v err=%v", results, err)
	}
	if accounts.searches != before {
		t.Fatalf("short query must not hit the store")
	}
}

func TestEntitySearchAPI(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	for _, name := range []string{"Acme West", "Acme East", "Globex"} {
		rec := doJSON(t, h, http.MethodPost, "/crm/api/accounts", sid, map[string]string{"name": name})
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed %q status=%d body=%s", name, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/crm/api/accounts:search?q=acme", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["type"] != "account" {
		t.Fatalf("type=%v", body["type"])
	}
	if results, ok := body["results"].([]any); !ok || len(results) != 2 {
		t.Fatalf("results=%v", body["results"])
	}

	rec = doJSON(t, h, http.MethodGet, "/crm/api/accounts:search?q=acme&limit=1", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("limited status=%d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["total"] != float64(1) {
		t.Fatalf("total=%v", body["total"])
	}

	// Below the minimum query length the route answers with an empty
	// list, matching the aggregator.
	rec = doJSON(t, h, http.MethodGet, "/crm/api/accounts:search?q=a", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("short query status=%d", rec.Code)
	}
	body = decodeBody(t, rec)
	if results, ok := body["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("short query results=%v", body["results"])
	}

	// Purchase orders are not a search source and get no route.
	rec = doJSON(t, h, http.MethodGet, "/crm/api/purchase-orders:search?q=acme", sid, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("purchase-orders status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSearchResultsAPI_InvalidSort(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodGet, "/crm/api/search/results?q=acme&sort=price", sid, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSearchPreviewAPI_GroupsAndEmptyQuery(t *testing.T) {
	h := newTestHandler(t, nil)
	sid := loginAs(t, h, "tenant-admin@example.invalid")

	rec := doJSON(t, h, http.MethodPost, "/crm/api/leads", sid, map[string]string{"name": "Initech Lead", "company": "Initech"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/crm/api/search?q=initech", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["stale"] != false {
		t.Fatalf("stale=%v", body["stale"])
	}
	groups, ok := body["groups"].([]any)
	if !ok || len(groups) != 1 {
		t.Fatalf("groups=%v", body["groups"])
	}

	// Below the minimum query length the preview is an empty group list,
	// not an error.
	rec = doJSON(t, h, http.MethodGet, "/crm/api/search?q=i", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("short query status=%d", rec.Code)
	}
	body = decodeBody(t, rec)
	if groups, ok := body["groups"].([]any); !ok || len(groups) != 0 {
		t.Fatalf("short query groups=%v", body["groups"])
	}
}
