package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nineleaf/bizdesk/internal/routing"
	"github.com/nineleaf/bizdesk/pkg/uuidv7"
)

// Case is a support ticket raised by a customer.
type Case struct {
	UUID       string
	CaseNumber string
	Subject    string
	Status     string
	Priority   string
	CreatedAt  time.Time
}

var caseStatuses = map[string]bool{
	"open":    true,
	"pending": true,
	"closed":  true,
}

var casePriorities = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

type CaseStore interface {
	ListCases(ctx context.Context, tenantID string) ([]Case, error)
	CreateCase(ctx context.Context, tenantID string, subject string, priority string) (Case, error)
	SearchCases(ctx context.Context, tenantID string, q string, limit int) ([]Case, error)
	UpdateCaseStatus(ctx context.Context, tenantID string, caseUUID string, status string) (Case, error)
}

type casePGStore struct {
	pool pgBeginner
}

func newCasePGStore(pool pgBeginner) CaseStore {
	return &casePGStore{pool: pool}
}

func (s *casePGStore) ListCases(ctx context.Context, tenantID string) ([]Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, case_number, subject, status, priority, created_at
FROM crm.cases
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.UUID, &c.CaseNumber, &c.Subject, &c.Status, &c.Priority, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *casePGStore) CreateCase(ctx context.Context, tenantID string, subject string, priority string) (Case, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Case{}, newBadRequestError("subject is required")
	}
	priority = strings.ToLower(strings.TrimSpace(priority))
	if priority == "" {
		priority = "normal"
	}
	if !casePriorities[priority] {
		return Case{}, newBadRequestError("unknown case priority: " + priority)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Case{}, err
	}

	// Case numbers come from a per-tenant sequence row in crm.case_counters.
	c := Case{Subject: subject, Status: "open", Priority: priority}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.cases (tenant_id, case_number, subject, status, priority)
VALUES (
  $1::uuid,
  'CS-' || lpad(nextval('crm.case_number_seq')::text, 6, '0'),
  $2, 'open', $3
)
RETURNING id::text, case_number, created_at
`, tenantID, c.Subject, c.Priority).Scan(&c.UUID, &c.CaseNumber, &c.CreatedAt); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (s *casePGStore) SearchCases(ctx context.Context, tenantID string, q string, limit int) ([]Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, case_number, subject, status, priority, created_at
FROM crm.cases
WHERE tenant_id = $1::uuid
  AND (subject ILIKE ('%' || $2::text || '%') OR case_number ILIKE ('%' || $2::text || '%'))
ORDER BY created_at DESC, id DESC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.UUID, &c.CaseNumber, &c.Subject, &c.Status, &c.Priority, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *casePGStore) UpdateCaseStatus(ctx context.Context, tenantID string, caseUUID string, status string) (Case, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !caseStatuses[status] {
		return Case{}, newBadRequestError("unknown case status: " + status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Case{}, err
	}

	var c Case
	if err := tx.QueryRow(ctx, `
UPDATE crm.cases
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, case_number, subject, status, priority, created_at
`, tenantID, caseUUID, status).Scan(&c.UUID, &c.CaseNumber, &c.Subject, &c.Status, &c.Priority, &c.CreatedAt); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, err
	}
	return c, nil
}

type caseMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Case
	nextNum  int
}

func newCaseMemoryStore() *caseMemoryStore {
	return &caseMemoryStore{byTenant: make(map[string][]Case)}
}

func (s *caseMemoryStore) ListCases(_ context.Context, tenantID string) ([]Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Case(nil), s.byTenant[tenantID]...), nil
}

func (s *caseMemoryStore) CreateCase(_ context.Context, tenantID string, subject string, priority string) (Case, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Case{}, newBadRequestError("subject is required")
	}
	priority = strings.ToLower(strings.TrimSpace(priority))
	if priority == "" {
		priority = "normal"
	}
	if !casePriorities[priority] {
		return Case{}, newBadRequestError("unknown case priority: " + priority)
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Case{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNum++
	c := Case{
		UUID:       id,
		CaseNumber: fmt.Sprintf("CS-%06d", s.nextNum),
		Subject:    subject,
		Status:     "open",
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
	}
	s.byTenant[tenantID] = append([]Case{c}, s.byTenant[tenantID]...)
	return c, nil
}

func (s *caseMemoryStore) SearchCases(_ context.Context, tenantID string, q string, limit int) ([]Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Case
	for _, c := range s.byTenant[tenantID] {
		if containsFold(c.Subject, q) || containsFold(c.CaseNumber, q) {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *caseMemoryStore) UpdateCaseStatus(_ context.Context, tenantID string, caseUUID string, status string) (Case, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !caseStatuses[status] {
		return Case{}, newBadRequestError("unknown case status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == caseUUID {
			list[i].Status = status
			return list[i], nil
		}
	}
	return Case{}, errNotFoundRow
}

func handleCasesAPI(w http.ResponseWriter, r *http.Request, store CaseStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListCases(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_CASE_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"cases":     caseItems(items),
		})

	case http.MethodPost:
		var req struct {
			Subject  string `json:"subject"`
			Priority string `json:"priority"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		c, err := store.CreateCase(r.Context(), tenant.ID, req.Subject, req.Priority)
		if err != nil {
			writeStoreError(w, r, err, "CRM_CASE_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, caseItems([]Case{c})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleCaseStatusAPI(w http.ResponseWriter, r *http.Request, store CaseStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		CaseUUID string `json:"case_uuid"`
		Status   string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := store.UpdateCaseStatus(r.Context(), tenant.ID, strings.TrimSpace(req.CaseUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "CRM_CASE_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "case", "status_changed", "Case "+c.Status, c.CaseNumber)
	writeJSON(w, http.StatusOK, caseItems([]Case{c})[0])
}

func caseItems(items []Case) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, c := range items {
		out = append(out, map[string]any{
			"case_uuid":   c.UUID,
			"case_number": c.CaseNumber,
			"subject":     c.Subject,
			"status":      c.Status,
			"priority":    c.Priority,
			"created_at":  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
