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

type Product struct {
	UUID       string
	Name       string
	SKU        string
	PriceCents int64
	Active     bool
	CreatedAt  time.Time
}

type ProductStore interface {
	ListProducts(ctx context.Context, tenantID string) ([]Product, error)
	CreateProduct(ctx context.Context, tenantID string, name string, sku string, priceCents int64) (Product, error)
	SearchProducts(ctx context.Context, tenantID string, q string, limit int) ([]Product, error)
}

type productPGStore struct {
	pool pgBeginner
}

func newProductPGStore(pool pgBeginner) ProductStore {
	return &productPGStore{pool: pool}
}

func (s *productPGStore) ListProducts(ctx context.Context, tenantID string) ([]Product, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, sku, price_cents, active, created_at
FROM crm.products
WHERE tenant_id = $1::uuid
ORDER BY name ASC, id ASC
LIMIT 500
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.UUID, &p.Name, &p.SKU, &p.PriceCents, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *productPGStore) CreateProduct(ctx context.Context, tenantID string, name string, sku string, priceCents int64) (Product, error) {
	name = strings.TrimSpace(name)
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if name == "" {
		return Product{}, newBadRequestError("name is required")
	}
	if sku == "" {
		return Product{}, newBadRequestError("sku is required")
	}
	if priceCents < 0 {
		return Product{}, newBadRequestError("price_cents must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Product{}, err
	}

	p := Product{Name: name, SKU: sku, PriceCents: priceCents, Active: true}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.products (tenant_id, name, sku, price_cents, active)
VALUES ($1::uuid, $2, $3, $4, true)
RETURNING id::text, created_at
`, tenantID, p.Name, p.SKU, p.PriceCents).Scan(&p.UUID, &p.CreatedAt); err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *productPGStore) SearchProducts(ctx context.Context, tenantID string, q string, limit int) ([]Product, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, sku, price_cents, active, created_at
FROM crm.products
WHERE tenant_id = $1::uuid
  AND (name ILIKE ('%' || $2::text || '%') OR sku ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, id ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.UUID, &p.Name, &p.SKU, &p.PriceCents, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type productMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Product
}

func newProductMemoryStore() *productMemoryStore {
	return &productMemoryStore{byTenant: make(map[string][]Product)}
}

func (s *productMemoryStore) ListProducts(_ context.Context, tenantID string) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Product(nil), s.byTenant[tenantID]...), nil
}

func (s *productMemoryStore) CreateProduct(_ context.Context, tenantID string, name string, sku string, priceCents int64) (Product, error) {
	name = strings.TrimSpace(name)
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if name == "" {
		return Product{}, newBadRequestError("name is required")
	}
	if sku == "" {
		return Product{}, newBadRequestError("sku is required")
	}
	if priceCents < 0 {
		return Product{}, newBadRequestError("price_cents must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.SKU == sku {
			return Product{}, newStableCodeError("CRM_PRODUCT_SKU_TAKEN")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Product{}, err
	}
	p := Product{
		UUID:       id,
		Name:       name,
		SKU:        sku,
		PriceCents: priceCents,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	s.byTenant[tenantID] = append([]Product{p}, s.byTenant[tenantID]...)
	return p, nil
}

func (s *productMemoryStore) SearchProducts(_ context.Context, tenantID string, q string, limit int) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Product
	for _, p := range s.byTenant[tenantID] {
		if containsFold(p.Name, q) || containsFold(p.SKU, q) {
			out = append(out, p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func handleProductsAPI(w http.ResponseWriter, r *http.Request, store ProductStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListProducts(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_PRODUCT_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"products":  productItems(items),
		})

	case http.MethodPost:
		var req struct {
			Name       string `json:"name"`
			SKU        string `json:"sku"`
			PriceCents int64  `json:"price_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := store.CreateProduct(r.Context(), tenant.ID, req.Name, req.SKU, req.PriceCents)
		if err != nil {
			writeStoreError(w, r, err, "CRM_PRODUCT_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, productItems([]Product{p})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func productItems(items []Product) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, p := range items {
		out = append(out, map[string]any{
			"product_uuid": p.UUID,
			"name":         p.Name,
			"sku":          p.SKU,
			"price_cents":  p.PriceCents,
			"active":       p.Active,
			"created_at":   p.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
