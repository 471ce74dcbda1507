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

type Lead struct {
	UUID      string
	Name      string
	Company   string
	Email     string
	Status    string
	CreatedAt time.Time
}

var leadStatuses = map[string]bool{
	"new":       true,
	"contacted": true,
	"qualified": true,
	"lost":      true,
}

type LeadStore interface {
	ListLeads(ctx context.Context, tenantID string) ([]Lead, error)
	CreateLead(ctx context.Context, tenantID string, name string, company string, email string) (Lead, error)
	SearchLeads(ctx context.Context, tenantID string, q string, limit int) ([]Lead, error)
	UpdateLeadStatus(ctx context.Context, tenantID string, leadUUID string, status string) (Lead, error)
}

type leadPGStore struct {
	pool pgBeginner
}

func newLeadPGStore(pool pgBeginner) LeadStore {
	return &leadPGStore{pool: pool}
}

func (s *leadPGStore) ListLeads(ctx context.Context, tenantID string) ([]Lead, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, company, email, status, created_at
FROM crm.leads
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.UUID, &l.Name, &l.Company, &l.Email, &l.Status, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *leadPGStore) CreateLead(ctx context.Context, tenantID string, name string, company string, email string) (Lead, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Lead{}, newBadRequestError("name is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lead{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Lead{}, err
	}

	l := Lead{Name: name, Company: strings.TrimSpace(company), Email: strings.ToLower(strings.TrimSpace(email)), Status: "new"}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.leads (tenant_id, name, company, email, status)
VALUES ($1::uuid, $2, $3, $4, 'new')
RETURNING id::text, created_at
`, tenantID, l.Name, l.Company, l.Email).Scan(&l.UUID, &l.CreatedAt); err != nil {
		return Lead{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Lead{}, err
	}
	return l, nil
}

func (s *leadPGStore) SearchLeads(ctx context.Context, tenantID string, q string, limit int) ([]Lead, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, company, email, status, created_at
FROM crm.leads
WHERE tenant_id = $1::uuid
  AND (name ILIKE ('%' || $2::text || '%') OR company ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, id ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.UUID, &l.Name, &l.Company, &l.Email, &l.Status, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *leadPGStore) UpdateLeadStatus(ctx context.Context, tenantID string, leadUUID string, status string) (Lead, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !leadStatuses[status] {
		return Lead{}, newBadRequestError("unknown lead status: " + status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Lead{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Lead{}, err
	}

	var l Lead
	if err := tx.QueryRow(ctx, `
UPDATE crm.leads
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, name, company, email, status, created_at
`, tenantID, leadUUID, status).Scan(&l.UUID, &l.Name, &l.Company, &l.Email, &l.Status, &l.CreatedAt); err != nil {
		return Lead{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Lead{}, err
	}
	return l, nil
}

type leadMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Lead
}

func newLeadMemoryStore() *leadMemoryStore {
	return &leadMemoryStore{byTenant: make(map[string][]Lead)}
}

func (s *leadMemoryStore) ListLeads(_ context.Context, tenantID string) ([]Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Lead(nil), s.byTenant[tenantID]...), nil
}

func (s *leadMemoryStore) CreateLead(_ context.Context, tenantID string, name string, company string, email string) (Lead, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Lead{}, newBadRequestError("name is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Lead{}, err
	}
	l := Lead{
		UUID:      id,
		Name:      name,
		Company:   strings.TrimSpace(company),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Status:    "new",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Lead{l}, s.byTenant[tenantID]...)
	return l, nil
}

func (s *leadMemoryStore) SearchLeads(_ context.Context, tenantID string, q string, limit int) ([]Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Lead
	for _, l := range s.byTenant[tenantID] {
		if containsFold(l.Name, q) || containsFold(l.Company, q) {
			out = append(out, l)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *leadMemoryStore) UpdateLeadStatus(_ context.Context, tenantID string, leadUUID string, status string) (Lead, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !leadStatuses[status] {
		return Lead{}, newBadRequestError("unknown lead status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == leadUUID {
			list[i].Status = status
			return list[i], nil
		}
	}
	return Lead{}, errNotFoundRow
}

func handleLeadsAPI(w http.ResponseWriter, r *http.Request, store LeadStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListLeads(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_LEAD_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"leads":     leadItems(items),
		})

	case http.MethodPost:
		var req struct {
			Name    string `json:"name"`
			Company string `json:"company"`
			Email   string `json:"email"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		l, err := store.CreateLead(r.Context(), tenant.ID, req.Name, req.Company, req.Email)
		if err != nil {
			writeStoreError(w, r, err, "CRM_LEAD_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, leadItems([]Lead{l})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleLeadStatusAPI(w http.ResponseWriter, r *http.Request, store LeadStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		LeadUUID string `json:"lead_uuid"`
		Status   string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := store.UpdateLeadStatus(r.Context(), tenant.ID, strings.TrimSpace(req.LeadUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "CRM_LEAD_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "lead", "status_changed", "Lead "+l.Status, l.Name)
	writeJSON(w, http.StatusOK, leadItems([]Lead{l})[0])
}

func leadItems(items []Lead) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, l := range items {
		out = append(out, map[string]any{
			"lead_uuid":  l.UUID,
			"name":       l.Name,
			"company":    l.Company,
			"email":      l.Email,
			"status":     l.Status,
			"created_at": l.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
