package server

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
)

// SearchResult is the normalized row every search source produces. It
// is transient: built per request, never persisted. Identity within a
// response is (Type, ID); the same record surfacing from two sources is
// kept twice.
type SearchResult struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Subtitle string `json:"subtitle"`
	URL      string `json:"url"`
	Status   string `json:"status,omitempty"`
	Stage    string `json:"stage,omitempty"`
	IsDone   bool   `json:"is_done,omitempty"`
}

const searchMinQueryLen = 2
const searchPerSourceLimit = 10

type searchSource struct {
	Type  string
	Fetch func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error)
}

// globalSearcher fans a query out across every registered source and
// concatenates the normalized rows in source order. A per-searcher
// monotonic token lets callers discard fan-outs that finished after a
// newer query started.
type globalSearcher struct {
	sources []searchSource

	mu     sync.Mutex
	tokens map[string]uint64
}

func newGlobalSearcher(
	accounts AccountStore,
	contacts ContactStore,
	leads LeadStore,
	cases CaseStore,
	opportunities OpportunityStore,
	quotes QuoteStore,
	orders OrderStore,
	tasks TaskStore,
	products ProductStore,
) *globalSearcher {
	// Source order is fixed and is the concatenation order of results.
	sources := []searchSource{
		{Type: "account", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := accounts.SearchAccounts(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, a := range items {
				out = append(out, normalizeAccount(a))
			}
			return out, nil
		}},
		{Type: "contact", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := contacts.SearchContacts(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, c := range items {
				out = append(out, normalizeContact(c))
			}
			return out, nil
		}},
		{Type: "lead", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := leads.SearchLeads(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, l := range items {
				out = append(out, normalizeLead(l))
			}
			return out, nil
		}},
		{Type: "case", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := cases.SearchCases(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, c := range items {
				out = append(out, normalizeCase(c))
			}
			return out, nil
		}},
		{Type: "opportunity", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := opportunities.SearchOpportunities(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, o := range items {
				out = append(out, normalizeOpportunity(o))
			}
			return out, nil
		}},
		{Type: "quote", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := quotes.SearchQuotes(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, qt := range items {
				out = append(out, normalizeQuote(qt))
			}
			return out, nil
		}},
		{Type: "order", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := orders.SearchOrders(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, o := range items {
				out = append(out, normalizeOrder(o))
			}
			return out, nil
		}},
		{Type: "task", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := tasks.SearchTasks(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, t := range items {
				out = append(out, normalizeTask(t))
			}
			return out, nil
		}},
		{Type: "product", Fetch: func(ctx context.Context, tenantID string, q string, limit int) ([]SearchResult, error) {
			items, err := products.SearchProducts(ctx, tenantID, q, limit)
			if err != nil {
				return nil, err
			}
			out := make([]SearchResult, 0, len(items))
			for _, p := range items {
				out = append(out, normalizeProduct(p))
			}
			return out, nil
		}},
	}
	return &globalSearcher{
		sources: sources,
		tokens:  make(map[string]uint64),
	}
}

// nextToken starts a new query generation for the given searcher key
// (one key per principal). Any fan-out carrying an older token is stale.
func (g *globalSearcher) nextToken(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[key]++
	return g.tokens[key]
}

func (g *globalSearcher) isCurrent(key string, token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens[key] == token
}

// Search runs the fan-out. A failing source logs and contributes zero
// results; the other sources are unaffected. Results come back in
// source order regardless of which goroutine finished first.
func (g *globalSearcher) Search(ctx context.Context, tenantID string, q string) []SearchResult {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < searchMinQueryLen {
		return nil
	}

	perSource := make([][]SearchResult, len(g.sources))
	var wg sync.WaitGroup
	for i, src := range g.sources {
		wg.Add(1)
		go func(i int, src searchSource) {
			defer wg.Done()
			items, err := src.Fetch(ctx, tenantID, q, searchPerSourceLimit)
			if err != nil {
				log.Printf("search: source %s failed for tenant %s: %v", src.Type, tenantID, err)
				return
			}
			perSource[i] = items
		}(i, src)
	}
	wg.Wait()

	var out []SearchResult
	for _, items := range perSource {
		out = append(out, items...)
	}
	return out
}

// searchOneSource runs a single registered source by its type tag. It
// applies the same trimmed minimum-length rule as the full fan-out so
// the per-entity routes and the aggregator agree on what counts as a
// query.
func (g *globalSearcher) searchOneSource(ctx context.Context, tenantID string, typ string, q string, limit int) ([]SearchResult, error) {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < searchMinQueryLen {
		return nil, nil
	}
	for _, src := range g.sources {
		if src.Type == typ {
			return src.Fetch(ctx, tenantID, q, limit)
		}
	}
	return nil, nil
}

func normalizeAccount(a Account) SearchResult {
	return SearchResult{
		ID:       a.UUID,
		Type:     "account",
		Name:     a.Name,
		Subtitle: a.Industry,
		URL:      "/app/accounts/" + a.UUID,
	}
}

func normalizeContact(c Contact) SearchResult {
	subtitle := c.Email
	if subtitle == "" {
		subtitle = c.Company
	}
	return SearchResult{
		ID:       c.UUID,
		Type:     "contact",
		Name:     c.Name,
		Subtitle: subtitle,
		URL:      "/app/contacts/" + c.UUID,
	}
}

func normalizeLead(l Lead) SearchResult {
	return SearchResult{
		ID:       l.UUID,
		Type:     "lead",
		Name:     l.Name,
		Subtitle: l.Company,
		URL:      "/app/leads/" + l.UUID,
		Status:   l.Status,
	}
}

func normalizeCase(c Case) SearchResult {
	return SearchResult{
		ID:       c.UUID,
		Type:     "case",
		Name:     c.Subject,
		Subtitle: c.CaseNumber,
		URL:      "/app/cases/" + c.UUID,
		Status:   c.Status,
	}
}

func normalizeOpportunity(o Opportunity) SearchResult {
	return SearchResult{
		ID:       o.UUID,
		Type:     "opportunity",
		Name:     o.Name,
		Subtitle: o.AccountName,
		URL:      "/app/opportunities/" + o.UUID,
		Stage:    o.Stage,
	}
}

func normalizeQuote(q Quote) SearchResult {
	return SearchResult{
		ID:       q.UUID,
		Type:     "quote",
		Name:     q.QuoteNumber,
		Subtitle: q.CustomerName,
		URL:      "/app/quotes/" + q.UUID,
		Status:   q.Status,
	}
}

func normalizeOrder(o Order) SearchResult {
	return SearchResult{
		ID:       o.UUID,
		Type:     "order",
		Name:     o.OrderNumber,
		Subtitle: o.CustomerName,
		URL:      "/app/orders/" + o.UUID,
		Status:   o.Status,
	}
}

func normalizeTask(t Task) SearchResult {
	return SearchResult{
		ID:       t.UUID,
		Type:     "task",
		Name:     t.Title,
		Subtitle: t.Notes,
		URL:      "/app/tasks/" + t.UUID,
		IsDone:   t.IsDone,
	}
}

func normalizeProduct(p Product) SearchResult {
	return SearchResult{
		ID:       p.UUID,
		Type:     "product",
		Name:     p.Name,
		Subtitle: p.SKU,
		URL:      "/app/products/" + p.UUID,
	}
}

// derivedStatus picks the facet value for a result: explicit status
// first, then pipeline stage, then done-state for tasks. Types with
// none of those contribute no facet.
func derivedStatus(r SearchResult) string {
	if r.Status != "" {
		return r.Status
	}
	if r.Stage != "" {
		return r.Stage
	}
	if r.Type == "task" {
		if r.IsDone {
			return "completed"
		}
		return "open"
	}
	return ""
}

const searchPreviewCap = 3

type SearchGroup struct {
	Type  string         `json:"type"`
	Shown int            `json:"shown"`
	Total int            `json:"total"`
	Items []SearchResult `json:"items"`
}

// previewGroups buckets results by type in source order, capping each
// bucket while reporting the true total.
func previewGroups(results []SearchResult) []SearchGroup {
	var groups []SearchGroup
	index := map[string]int{}
	for _, r := range results {
		i, ok := index[r.Type]
		if !ok {
			groups = append(groups, SearchGroup{Type: r.Type})
			i = len(groups) - 1
			index[r.Type] = i
		}
		groups[i].Total++
		if len(groups[i].Items) < searchPreviewCap {
			groups[i].Items = append(groups[i].Items, r)
		}
	}
	for i := range groups {
		groups[i].Shown = len(groups[i].Items)
	}
	return groups
}

// filterResults narrows the concatenated results to one type and/or one
// derived status. "all" and "" are identity for both.
func filterResults(results []SearchResult, typeFilter string, statusFilter string) []SearchResult {
	out := results
	if typeFilter != "" && typeFilter != "all" {
		filtered := make([]SearchResult, 0, len(out))
		for _, r := range out {
			if r.Type == typeFilter {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	if statusFilter != "" && statusFilter != "all" {
		filtered := make([]SearchResult, 0, len(out))
		for _, r := range out {
			if derivedStatus(r) == statusFilter {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	return out
}

// statusFacets lists the distinct derived statuses present in the
// result set, sorted for stable output. Dynamic on purpose: the UI
// offers only values that would match something.
func statusFacets(results []SearchResult) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		s := derivedStatus(r)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortResults(results []SearchResult, mode string) []SearchResult {
	out := append([]SearchResult(nil), results...)
	switch mode {
	case "name_asc":
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		})
	case "name_desc":
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Name) > strings.ToLower(out[j].Name)
		})
	default:
		// relevance: keep source order
	}
	return out
}
