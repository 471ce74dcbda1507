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

// Account is a vendor/partner organization record.
type Account struct {
	UUID      string
	Name      string
	Industry  string
	Website   string
	CreatedAt time.Time
}

type AccountStore interface {
	ListAccounts(ctx context.Context, tenantID string) ([]Account, error)
	CreateAccount(ctx context.Context, tenantID string, name string, industry string, website string) (Account, error)
	SearchAccounts(ctx context.Context, tenantID string, q string, limit int) ([]Account, error)
}

type accountPGStore struct {
	pool pgBeginner
}

func newAccountPGStore(pool pgBeginner) AccountStore {
	return &accountPGStore{pool: pool}
}

func (s *accountPGStore) ListAccounts(ctx context.Context, tenantID string) ([]Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, industry, website, created_at
FROM crm.accounts
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UUID, &a.Name, &a.Industry, &a.Website, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *accountPGStore) CreateAccount(ctx context.Context, tenantID string, name string, industry string, website string) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, newBadRequestError("name is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Account{}, err
	}

	a := Account{Name: name, Industry: strings.TrimSpace(industry), Website: strings.TrimSpace(website)}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.accounts (tenant_id, name, industry, website)
VALUES ($1::uuid, $2, $3, $4)
RETURNING id::text, created_at
`, tenantID, a.Name, a.Industry, a.Website).Scan(&a.UUID, &a.CreatedAt); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *accountPGStore) SearchAccounts(ctx context.Context, tenantID string, q string, limit int) ([]Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, industry, website, created_at
FROM crm.accounts
WHERE tenant_id = $1::uuid
  AND (name ILIKE ('%' || $2::text || '%') OR industry ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, id ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.UUID, &a.Name, &a.Industry, &a.Website, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type accountMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Account
}

func newAccountMemoryStore() *accountMemoryStore {
	return &accountMemoryStore{byTenant: make(map[string][]Account)}
}

func (s *accountMemoryStore) ListAccounts(_ context.Context, tenantID string) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Account(nil), s.byTenant[tenantID]...), nil
}

func (s *accountMemoryStore) CreateAccount(_ context.Context, tenantID string, name string, industry string, website string) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, newBadRequestError("name is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Account{}, err
	}
	a := Account{
		UUID:      id,
		Name:      name,
		Industry:  strings.TrimSpace(industry),
		Website:   strings.TrimSpace(website),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Account{a}, s.byTenant[tenantID]...)
	return a, nil
}

func (s *accountMemoryStore) SearchAccounts(_ context.Context, tenantID string, q string, limit int) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, a := range s.byTenant[tenantID] {
		if containsFold(a.Name, q) || containsFold(a.Industry, q) {
			out = append(out, a)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func containsFold(haystack string, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func handleAccountsAPI(w http.ResponseWriter, r *http.Request, store AccountStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListAccounts(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_ACCOUNT_INTERNAL")
			return
		}
		type item struct {
			AccountUUID string `json:"account_uuid"`
			Name        string `json:"name"`
			Industry    string `json:"industry"`
			Website     string `json:"website"`
			CreatedAt   string `json:"created_at"`
		}
		out := make([]item, 0, len(items))
		for _, it := range items {
			out = append(out, item{
				AccountUUID: it.UUID,
				Name:        it.Name,
				Industry:    it.Industry,
				Website:     it.Website,
				CreatedAt:   it.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"accounts":  out,
		})

	case http.MethodPost:
		var req struct {
			Name     string `json:"name"`
			Industry string `json:"industry"`
			Website  string `json:"website"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		a, err := store.CreateAccount(r.Context(), tenant.ID, req.Name, req.Industry, req.Website)
		if err != nil {
			writeStoreError(w, r, err, "CRM_ACCOUNT_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"account_uuid": a.UUID,
			"name":         a.Name,
			"industry":     a.Industry,
			"website":      a.Website,
		})

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
