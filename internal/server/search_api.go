package server

import (
	"net/http"
	"strings"

	"github.com/nineleaf/bizdesk/internal/routing"
)

// searcherKey scopes the stale-query token to one principal; anonymous
// callers never get this far but fall back to the tenant.
func searcherKey(r *http.Request, tenantID string) string {
	if p, ok := currentPrincipal(r.Context()); ok {
		return tenantID + "|" + p.ID
	}
	return tenantID
}

// handleSearchPreviewAPI serves the typeahead dropdown: grouped by
// type, three rows per group, true totals on the side.
func handleSearchPreviewAPI(w http.ResponseWriter, r *http.Request, searcher *globalSearcher) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	key := searcherKey(r, tenant.ID)
	token := searcher.nextToken(key)

	results := searcher.Search(r.Context(), tenant.ID, q)

	if !searcher.isCurrent(key, token) {
		// A newer query for this principal started while we were
		// fanning out. The response would race it on the client.
		writeJSON(w, http.StatusOK, map[string]any{
			"query": q,
			"stale": true,
		})
		return
	}

	groups := previewGroups(results)
	if groups == nil {
		groups = []SearchGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":  q,
		"stale":  false,
		"groups": groups,
	})
}

const searchEntityLimitMax = 50

// searchableEntityTypes maps the /crm/api/<plural>:search route segment
// to its source type tag. Purchase orders are not a search source.
var searchableEntityTypes = map[string]string{
	"accounts":      "account",
	"contacts":      "contact",
	"leads":         "lead",
	"cases":         "case",
	"opportunities": "opportunity",
	"quotes":        "quote",
	"orders":        "order",
	"tasks":         "task",
	"products":      "product",
}

// handleEntitySearchAPI serves one entity's substring search, the same
// leaf the aggregator fans out to.
func handleEntitySearchAPI(w http.ResponseWriter, r *http.Request, searcher *globalSearcher, typ string) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := queryLimit(r, searchPerSourceLimit, searchEntityLimitMax)

	results, err := searcher.searchOneSource(r.Context(), tenant.ID, typ, q, limit)
	if err != nil {
		writeStoreError(w, r, err, "CRM_SEARCH_INTERNAL")
		return
	}
	if results == nil {
		results = []SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"type":    typ,
		"total":   len(results),
		"results": results,
	})
}

// handleSearchResultsAPI serves the full results page with type/status
// facets and sorting.
func handleSearchResultsAPI(w http.ResponseWriter, r *http.Request, searcher *globalSearcher) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	qs := r.URL.Query()
	q := strings.TrimSpace(qs.Get("q"))
	typeFilter := strings.TrimSpace(qs.Get("type"))
	statusFilter := strings.TrimSpace(qs.Get("status"))
	sortMode := strings.TrimSpace(qs.Get("sort"))
	switch sortMode {
	case "", "relevance", "name_asc", "name_desc":
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "sort must be relevance, name_asc or name_desc")
		return
	}

	key := searcherKey(r, tenant.ID)
	token := searcher.nextToken(key)

	results := searcher.Search(r.Context(), tenant.ID, q)

	if !searcher.isCurrent(key, token) {
		writeJSON(w, http.StatusOK, map[string]any{
			"query": q,
			"stale": true,
		})
		return
	}

	// Facets reflect what the type filter leaves in scope, so the
	// status dropdown never offers a value with zero matches.
	typeScoped := filterResults(results, typeFilter, "")
	facets := statusFacets(typeScoped)
	if facets == nil {
		facets = []string{}
	}

	filtered := filterResults(results, typeFilter, statusFilter)
	sorted := sortResults(filtered, sortMode)
	if sorted == nil {
		sorted = []SearchResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":         q,
		"stale":         false,
		"type":          typeFilter,
		"status":        statusFilter,
		"sort":          sortMode,
		"status_facets": facets,
		"total":         len(sorted),
		"results":       sorted,
	})
}
