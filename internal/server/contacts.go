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

// Contact is a person at a customer or vendor.
type Contact struct {
	UUID      string
	Name      string
	Email     string
	Company   string
	CreatedAt time.Time
}

type ContactStore interface {
	ListContacts(ctx context.Context, tenantID string) ([]Contact, error)
	CreateContact(ctx context.Context, tenantID string, name string, email string, company string) (Contact, error)
	SearchContacts(ctx context.Context, tenantID string, q string, limit int) ([]Contact, error)
}

type contactPGStore struct {
	pool pgBeginner
}

func newContactPGStore(pool pgBeginner) ContactStore {
	return &contactPGStore{pool: pool}
}

func (s *contactPGStore) ListContacts(ctx context.Context, tenantID string) ([]Contact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, email, company, created_at
FROM crm.contacts
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UUID, &c.Name, &c.Email, &c.Company, &c.CreatedAt); err != nil {
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

func (s *contactPGStore) CreateContact(ctx context.Context, tenantID string, name string, email string, company string) (Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Contact{}, newBadRequestError("name is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contact{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Contact{}, err
	}

	c := Contact{Name: name, Email: strings.ToLower(strings.TrimSpace(email)), Company: strings.TrimSpace(company)}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.contacts (tenant_id, name, email, company)
VALUES ($1::uuid, $2, $3, $4)
RETURNING id::text, created_at
`, tenantID, c.Name, c.Email, c.Company).Scan(&c.UUID, &c.CreatedAt); err != nil {
		return Contact{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *contactPGStore) SearchContacts(ctx context.Context, tenantID string, q string, limit int) ([]Contact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, email, company, created_at
FROM crm.contacts
WHERE tenant_id = $1::uuid
  AND (name ILIKE ('%' || $2::text || '%') OR email ILIKE ('%' || $2::text || '%') OR company ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, id ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.UUID, &c.Name, &c.Email, &c.Company, &c.CreatedAt); err != nil {
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

type contactMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Contact
}

func newContactMemoryStore() *contactMemoryStore {
	return &contactMemoryStore{byTenant: make(map[string][]Contact)}
}

func (s *contactMemoryStore) ListContacts(_ context.Context, tenantID string) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Contact(nil), s.byTenant[tenantID]...), nil
}

func (s *contactMemoryStore) CreateContact(_ context.Context, tenantID string, name string, email string, company string) (Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Contact{}, newBadRequestError("name is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Contact{}, err
	}
	c := Contact{
		UUID:      id,
		Name:      name,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Company:   strings.TrimSpace(company),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Contact{c}, s.byTenant[tenantID]...)
	return c, nil
}

func (s *contactMemoryStore) SearchContacts(_ context.Context, tenantID string, q string, limit int) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contact
	for _, c := range s.byTenant[tenantID] {
		if containsFold(c.Name, q) || containsFold(c.Email, q) || containsFold(c.Company, q) {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func handleContactsAPI(w http.ResponseWriter, r *http.Request, store ContactStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListContacts(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_CONTACT_INTERNAL")
			return
		}
		type item struct {
			ContactUUID string `json:"contact_uuid"`
			Name        string `json:"name"`
			Email       string `json:"email"`
			Company     string `json:"company"`
			CreatedAt   string `json:"created_at"`
		}
		out := make([]item, 0, len(items))
		for _, it := range items {
			out = append(out, item{
				ContactUUID: it.UUID,
				Name:        it.Name,
				Email:       it.Email,
				Company:     it.Company,
				CreatedAt:   it.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"contacts":  out,
		})

	case http.MethodPost:
		var req struct {
			Name    string `json:"name"`
			Email   string `json:"email"`
			Company string `json:"company"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		c, err := store.CreateContact(r.Context(), tenant.ID, req.Name, req.Email, req.Company)
		if err != nil {
			writeStoreError(w, r, err, "CRM_CONTACT_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"contact_uuid": c.UUID,
			"name":         c.Name,
			"email":        c.Email,
			"company":      c.Company,
		})

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
