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

// Order is a confirmed sales order. Distinct from the restaurant
// ordering module's dine-in orders.
type Order struct {
	UUID         string
	OrderNumber  string
	CustomerName string
	Status       string
	TotalCents   int64
	CreatedAt    time.Time
}

var orderStatuses = map[string]bool{
	"pending":    true,
	"processing": true,
	"shipped":    true,
	"delivered":  true,
	"cancelled":  true,
}

type OrderStore interface {
	ListOrders(ctx context.Context, tenantID string) ([]Order, error)
	CreateOrder(ctx context.Context, tenantID string, orderNumber string, customerName string, totalCents int64) (Order, error)
	SearchOrders(ctx context.Context, tenantID string, q string, limit int) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID string, orderUUID string, status string) (Order, error)
}

type orderPGStore struct {
	pool pgBeginner
}

func newOrderPGStore(pool pgBeginner) OrderStore {
	return &orderPGStore{pool: pool}
}

func (s *orderPGStore) ListOrders(ctx context.Context, tenantID string) ([]Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, order_number, customer_name, status, total_cents, created_at
FROM crm.orders
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.UUID, &o.OrderNumber, &o.CustomerName, &o.Status, &o.TotalCents, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *orderPGStore) CreateOrder(ctx context.Context, tenantID string, orderNumber string, customerName string, totalCents int64) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	customerName = strings.TrimSpace(customerName)
	if orderNumber == "" {
		return Order{}, newBadRequestError("order_number is required")
	}
	if customerName == "" {
		return Order{}, newBadRequestError("customer_name is required")
	}
	if totalCents < 0 {
		return Order{}, newBadRequestError("total_cents must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Order{}, err
	}

	o := Order{OrderNumber: orderNumber, CustomerName: customerName, Status: "pending", TotalCents: totalCents}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.orders (tenant_id, order_number, customer_name, status, total_cents)
VALUES ($1::uuid, $2, $3, 'pending', $4)
RETURNING id::text, created_at
`, tenantID, o.OrderNumber, o.CustomerName, o.TotalCents).Scan(&o.UUID, &o.CreatedAt); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *orderPGStore) SearchOrders(ctx context.Context, tenantID string, q string, limit int) ([]Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, order_number, customer_name, status, total_cents, created_at
FROM crm.orders
WHERE tenant_id = $1::uuid
  AND (order_number ILIKE ('%' || $2::text || '%') OR customer_name ILIKE ('%' || $2::text || '%'))
ORDER BY created_at DESC, id DESC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.UUID, &o.OrderNumber, &o.CustomerName, &o.Status, &o.TotalCents, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *orderPGStore) UpdateOrderStatus(ctx context.Context, tenantID string, orderUUID string, status string) (Order, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !orderStatuses[status] {
		return Order{}, newBadRequestError("unknown order status: " + status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Order{}, err
	}

	var o Order
	if err := tx.QueryRow(ctx, `
UPDATE crm.orders
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, order_number, customer_name, status, total_cents, created_at
`, tenantID, orderUUID, status).Scan(&o.UUID, &o.OrderNumber, &o.CustomerName, &o.Status, &o.TotalCents, &o.CreatedAt); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

type orderMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Order
}

func newOrderMemoryStore() *orderMemoryStore {
	return &orderMemoryStore{byTenant: make(map[string][]Order)}
}

func (s *orderMemoryStore) ListOrders(_ context.Context, tenantID string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Order(nil), s.byTenant[tenantID]...), nil
}

func (s *orderMemoryStore) CreateOrder(_ context.Context, tenantID string, orderNumber string, customerName string, totalCents int64) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	customerName = strings.TrimSpace(customerName)
	if orderNumber == "" {
		return Order{}, newBadRequestError("order_number is required")
	}
	if customerName == "" {
		return Order{}, newBadRequestError("customer_name is required")
	}
	if totalCents < 0 {
		return Order{}, newBadRequestError("total_cents must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byTenant[tenantID] {
		if o.OrderNumber == orderNumber {
			return Order{}, newStableCodeError("CRM_ORDER_NUMBER_TAKEN")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Order{}, err
	}
	o := Order{
		UUID:         id,
		OrderNumber:  orderNumber,
		CustomerName: customerName,
		Status:       "pending",
		TotalCents:   totalCents,
		CreatedAt:    time.Now().UTC(),
	}
	s.byTenant[tenantID] = append([]Order{o}, s.byTenant[tenantID]...)
	return o, nil
}

func (s *orderMemoryStore) SearchOrders(_ context.Context, tenantID string, q string, limit int) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.byTenant[tenantID] {
		if containsFold(o.OrderNumber, q) || containsFold(o.CustomerName, q) {
			out = append(out, o)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *orderMemoryStore) UpdateOrderStatus(_ context.Context, tenantID string, orderUUID string, status string) (Order, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !orderStatuses[status] {
		return Order{}, newBadRequestError("unknown order status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == orderUUID {
			list[i].Status = status
			return list[i], nil
		}
	}
	return Order{}, errNotFoundRow
}

func handleOrdersAPI(w http.ResponseWriter, r *http.Request, store OrderStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListOrders(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_ORDER_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"orders":    orderItems(items),
		})

	case http.MethodPost:
		var req struct {
			OrderNumber  string `json:"order_number"`
			CustomerName string `json:"customer_name"`
			TotalCents   int64  `json:"total_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		o, err := store.CreateOrder(r.Context(), tenant.ID, req.OrderNumber, req.CustomerName, req.TotalCents)
		if err != nil {
			writeStoreError(w, r, err, "CRM_ORDER_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, orderItems([]Order{o})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleOrderStatusAPI(w http.ResponseWriter, r *http.Request, store OrderStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		OrderUUID string `json:"order_uuid"`
		Status    string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := store.UpdateOrderStatus(r.Context(), tenant.ID, strings.TrimSpace(req.OrderUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "CRM_ORDER_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "order", "status_changed", "Order "+o.Status, o.OrderNumber)
	writeJSON(w, http.StatusOK, orderItems([]Order{o})[0])
}

func orderItems(items []Order) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, o := range items {
		out = append(out, map[string]any{
			"order_uuid":    o.UUID,
			"order_number":  o.OrderNumber,
			"customer_name": o.CustomerName,
			"status":        o.Status,
			"total_cents":   o.TotalCents,
			"created_at":    o.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
