package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nineleaf/bizdesk/internal/routing"
	"github.com/nineleaf/bizdesk/pkg/uuidv7"
)

type Quote struct {
	UUID         string
	QuoteNumber  string
	CustomerName string
	Status       string
	TotalCents   int64
	CreatedAt    time.Time
}

var quoteStatuses = map[string]bool{
	"draft":    true,
	"sent":     true,
	"accepted": true,
	"declined": true,
}

type QuoteStore interface {
	ListQuotes(ctx context.Context, tenantID string) ([]Quote, error)
	CreateQuote(ctx context.Context, tenantID string, quoteNumber string, customerName string, totalCents int64) (Quote, error)
	SearchQuotes(ctx context.Context, tenantID string, q string, limit int) ([]Quote, error)
	UpdateQuoteStatus(ctx context.Context, tenantID string, quoteUUID string, status string) (Quote, error)
}

type quotePGStore struct {
	pool pgBeginner
}

func newQuotePGStore(pool pgBeginner) QuoteStore {
	return &quotePGStore{pool: pool}
}

func (s *quotePGStore) ListQuotes(ctx context.Context, tenantID string) ([]Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, quote_number, customer_name, status, total_cents, created_at
FROM crm.quotes
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		var q Quote
		if err := rows.Scan(&q.UUID, &q.QuoteNumber, &q.CustomerName, &q.Status, &q.TotalCents, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *quotePGStore) CreateQuote(ctx context.Context, tenantID string, quoteNumber string, customerName string, totalCents int64) (Quote, error) {
	quoteNumber = strings.TrimSpace(quoteNumber)
	customerName = strings.TrimSpace(customerName)
	if quoteNumber == "" {
		return Quote{}, newBadRequestError("quote_number is required")
	}
	if customerName == "" {
		return Quote{}, newBadRequestError("customer_name is required")
	}
	if totalCents < 0 {
		return Quote{}, newBadRequestError("total_cents must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Quote{}, err
	}

	q := Quote{QuoteNumber: quoteNumber, CustomerName: customerName, Status: "draft", TotalCents: totalCents}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.quotes (tenant_id, quote_number, customer_name, status, total_cents)
VALUES ($1::uuid, $2, $3, 'draft', $4)
RETURNING id::text, created_at
`, tenantID, q.QuoteNumber, q.CustomerName, q.TotalCents).Scan(&q.UUID, &q.CreatedAt); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (s *quotePGStore) SearchQuotes(ctx context.Context, tenantID string, q string, limit int) ([]Quote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, quote_number, customer_name, status, total_cents, created_at
FROM crm.quotes
WHERE tenant_id = $1::uuid
  AND (quote_number ILIKE ('%' || $2::text || '%') OR customer_name ILIKE ('%' || $2::text || '%'))
ORDER BY created_at DESC, id DESC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		var qt Quote
		if err := rows.Scan(&qt.UUID, &qt.QuoteNumber, &qt.CustomerName, &qt.Status, &qt.TotalCents, &qt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, qt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *quotePGStore) UpdateQuoteStatus(ctx context.Context, tenantID string, quoteUUID string, status string) (Quote, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !quoteStatuses[status] {
		return Quote{}, newBadRequestError("unknown quote status: " + status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Quote{}, err
	}

	var q Quote
	if err := tx.QueryRow(ctx, `
UPDATE crm.quotes
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, quote_number, customer_name, status, total_cents, created_at
`, tenantID, quoteUUID, status).Scan(&q.UUID, &q.QuoteNumber, &q.CustomerName, &q.Status, &q.TotalCents, &q.CreatedAt); err != nil {
		return Quote{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Quote{}, err
	}
	return q, nil
}

type quoteMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Quote
}

func newQuoteMemoryStore() *quoteMemoryStore {
	return &quoteMemoryStore{byTenant: make(map[string][]Quote)}
}

func (s *quoteMemoryStore) ListQuotes(_ context.Context, tenantID string) ([]Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Quote(nil), s.byTenant[tenantID]...), nil
}

func (s *quoteMemoryStore) CreateQuote(_ context.Context, tenantID string, quoteNumber string, customerName string, totalCents int64) (Quote, error) {
	quoteNumber = strings.TrimSpace(quoteNumber)
	customerName = strings.TrimSpace(customerName)
	if quoteNumber == "" {
		return Quote{}, newBadRequestError("quote_number is required")
	}
	if customerName == "" {
		return Quote{}, newBadRequestError("customer_name is required")
	}
	if totalCents < 0 {
		return Quote{}, newBadRequestError("total_cents must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.byTenant[tenantID] {
		if q.QuoteNumber == quoteNumber {
			return Quote{}, newStableCodeError("CRM_QUOTE_NUMBER_TAKEN")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		UUID:         id,
		QuoteNumber:  quoteNumber,
		CustomerName: customerName,
		Status:       "draft",
		TotalCents:   totalCents,
		CreatedAt:    time.Now().UTC(),
	}
	s.byTenant[tenantID] = append([]Quote{q}, s.byTenant[tenantID]...)
	return q, nil
}

func (s *quoteMemoryStore) SearchQuotes(_ context.Context, tenantID string, q string, limit int) ([]Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Quote
	for _, qt := range s.byTenant[tenantID] {
		if containsFold(qt.QuoteNumber, q) || containsFold(qt.CustomerName, q) {
			out = append(out, qt)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *quoteMemoryStore) UpdateQuoteStatus(_ context.Context, tenantID string, quoteUUID string, status string) (Quote, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !quoteStatuses[status] {
		return Quote{}, newBadRequestError("unknown quote status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == quoteUUID {
			list[i].Status = status
			return list[i], nil
		}
	}
	return Quote{}, errNotFoundRow
}

func handleQuotesAPI(w http.ResponseWriter, r *http.Request, store QuoteStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListQuotes(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_QUOTE_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"quotes":    quoteItems(items),
		})

	case http.MethodPost:
		var req struct {
			QuoteNumber  string `json:"quote_number"`
			CustomerName string `json:"customer_name"`
			TotalCents   int64  `json:"total_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		q, err := store.CreateQuote(r.Context(), tenant.ID, req.QuoteNumber, req.CustomerName, req.TotalCents)
		if err != nil {
			writeStoreError(w, r, err, "CRM_QUOTE_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, quoteItems([]Quote{q})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleQuoteStatusAPI(w http.ResponseWriter, r *http.Request, store QuoteStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		QuoteUUID string `json:"quote_uuid"`
		Status    string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := store.UpdateQuoteStatus(r.Context(), tenant.ID, strings.TrimSpace(req.QuoteUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "CRM_QUOTE_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "quote", "status_changed", "Quote "+q.Status, q.QuoteNumber)
	writeJSON(w, http.StatusOK, quoteItems([]Quote{q})[0])
}

func quoteItems(items []Quote) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, q := range items {
		out = append(out, map[string]any{
			"quote_uuid":    q.UUID,
			"quote_number":  q.QuoteNumber,
			"customer_name": q.CustomerName,
			"status":        q.Status,
			"total_cents":   q.TotalCents,
			"created_at":    q.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
