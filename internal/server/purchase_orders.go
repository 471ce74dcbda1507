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

// PurchaseOrder is an outbound order placed with a vendor. It is not a
// global search source.
type PurchaseOrder struct {
	UUID       string
	PONumber   string
	VendorName string
	Status     string
	TotalCents int64
	CreatedAt  time.Time
}

var purchaseOrderStatuses = map[string]bool{
	"draft":     true,
	"ordered":   true,
	"received":  true,
	"cancelled": true,
}

type PurchaseOrderStore interface {
	ListPurchaseOrders(ctx context.Context, tenantID string) ([]PurchaseOrder, error)
	CreatePurchaseOrder(ctx context.Context, tenantID string, poNumber string, vendorName string, totalCents int64) (PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, tenantID string, poUUID string, status string) (PurchaseOrder, error)
}

type purchaseOrderPGStore struct {
	pool pgBeginner
}

func newPurchaseOrderPGStore(pool pgBeginner) PurchaseOrderStore {
	return &purchaseOrderPGStore{pool: pool}
}

func (s *purchaseOrderPGStore) ListPurchaseOrders(ctx context.Context, tenantID string) ([]PurchaseOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, po_number, vendor_name, status, total_cents, created_at
FROM crm.purchase_orders
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurchaseOrder
	for rows.Next() {
		var po PurchaseOrder
		if err := rows.Scan(&po.UUID, &po.PONumber, &po.VendorName, &po.Status, &po.TotalCents, &po.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *purchaseOrderPGStore) CreatePurchaseOrder(ctx context.Context, tenantID string, poNumber string, vendorName string, totalCents int64) (PurchaseOrder, error) {
	poNumber = strings.TrimSpace(poNumber)
	vendorName = strings.TrimSpace(vendorName)
	if poNumber == "" {
		return PurchaseOrder{}, newBadRequestError("po_number is required")
	}
	if vendorName == "" {
		return PurchaseOrder{}, newBadRequestError("vendor_name is required")
	}
	if totalCents < 0 {
		return PurchaseOrder{}, newBadRequestError("total_cents must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return PurchaseOrder{}, err
	}

	po := PurchaseOrder{PONumber: poNumber, VendorName: vendorName, Status: "draft", TotalCents: totalCents}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.purchase_orders (tenant_id, po_number, vendor_name, status, total_cents)
VALUES ($1::uuid, $2, $3, 'draft', $4)
RETURNING id::text, created_at
`, tenantID, po.PONumber, po.VendorName, po.TotalCents).Scan(&po.UUID, &po.CreatedAt); err != nil {
		return PurchaseOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (s *purchaseOrderPGStore) UpdatePurchaseOrderStatus(ctx context.Context, tenantID string, poUUID string, status string) (PurchaseOrder, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !purchaseOrderStatuses[status] {
		return PurchaseOrder{}, newBadRequestError("unknown purchase order status: " + status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return PurchaseOrder{}, err
	}

	var po PurchaseOrder
	if err := tx.QueryRow(ctx, `
UPDATE crm.purchase_orders
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, po_number, vendor_name, status, total_cents, created_at
`, tenantID, poUUID, status).Scan(&po.UUID, &po.PONumber, &po.VendorName, &po.Status, &po.TotalCents, &po.CreatedAt); err != nil {
		return PurchaseOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

type purchaseOrderMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]PurchaseOrder
}

func newPurchaseOrderMemoryStore() *purchaseOrderMemoryStore {
	return &purchaseOrderMemoryStore{byTenant: make(map[string][]PurchaseOrder)}
}

func (s *purchaseOrderMemoryStore) ListPurchaseOrders(_ context.Context, tenantID string) ([]PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PurchaseOrder(nil), s.byTenant[tenantID]...), nil
}

func (s *purchaseOrderMemoryStore) CreatePurchaseOrder(_ context.Context, tenantID string, poNumber string, vendorName string, totalCents int64) (PurchaseOrder, error) {
	poNumber = strings.TrimSpace(poNumber)
	vendorName = strings.TrimSpace(vendorName)
	if poNumber == "" {
		return PurchaseOrder{}, newBadRequestError("po_number is required")
	}
	if vendorName == "" {
		return PurchaseOrder{}, newBadRequestError("vendor_name is required")
	}
	if totalCents < 0 {
		return PurchaseOrder{}, newBadRequestError("total_cents must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, po := range s.byTenant[tenantID] {
		if po.PONumber == poNumber {
			return PurchaseOrder{}, newStableCodeError("CRM_PO_NUMBER_TAKEN")
		}
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		UUID:       id,
		PONumber:   poNumber,
		VendorName: vendorName,
		Status:     "draft",
		TotalCents: totalCents,
		CreatedAt:  time.Now().UTC(),
	}
	s.byTenant[tenantID] = append([]PurchaseOrder{po}, s.byTenant[tenantID]...)
	return po, nil
}

func (s *purchaseOrderMemoryStore) UpdatePurchaseOrderStatus(_ context.Context, tenantID string, poUUID string, status string) (PurchaseOrder, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !purchaseOrderStatuses[status] {
		return PurchaseOrder{}, newBadRequestError("unknown purchase order status: " + status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == poUUID {
			list[i].Status = status
			return list[i], nil
		}
	}
	return PurchaseOrder{}, errNotFoundRow
}

func handlePurchaseOrdersAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListPurchaseOrders(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_PO_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id":       tenant.ID,
			"purchase_orders": purchaseOrderItems(items),
		})

	case http.MethodPost:
		var req struct {
			PONumber   string `json:"po_number"`
			VendorName string `json:"vendor_name"`
			TotalCents int64  `json:"total_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		po, err := store.CreatePurchaseOrder(r.Context(), tenant.ID, req.PONumber, req.VendorName, req.TotalCents)
		if err != nil {
			writeStoreError(w, r, err, "CRM_PO_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, purchaseOrderItems([]PurchaseOrder{po})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handlePurchaseOrderStatusAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		PurchaseOrderUUID string `json:"purchase_order_uuid"`
		Status            string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	po, err := store.UpdatePurchaseOrderStatus(r.Context(), tenant.ID, strings.TrimSpace(req.PurchaseOrderUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "CRM_PO_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "purchase_order", "status_changed", "Purchase order "+po.Status, po.PONumber)
	writeJSON(w, http.StatusOK, purchaseOrderItems([]PurchaseOrder{po})[0])
}

func purchaseOrderItems(items []PurchaseOrder) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, po := range items {
		out = append(out, map[string]any{
			"purchase_order_uuid": po.UUID,
			"po_number":           po.PONumber,
			"vendor_name":         po.VendorName,
			"status":              po.Status,
			"total_cents":         po.TotalCents,
			"created_at":          po.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
