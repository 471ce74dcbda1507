package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/nineleaf/bizdesk/internal/routing"
	orderingtypes "github.com/nineleaf/bizdesk/modules/ordering/domain/types"
	orderingservices "github.com/nineleaf/bizdesk/modules/ordering/services"
)

func handleMenuItemsAPI(w http.ResponseWriter, r *http.Request, menu orderingservices.MenuService) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := menu.ListMenu(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "ORDERING_MENU_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id":  tenant.ID,
			"menu_items": menuItemViews(items),
		})

	case http.MethodPost:
		var req struct {
			Name       string `json:"name"`
			Category   string `json:"category"`
			PriceCents int64  `json:"price_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		item, err := menu.CreateMenuItem(r.Context(), tenant.ID, req.Name, req.Category, req.PriceCents)
		if err != nil {
			writeStoreError(w, r, err, "ORDERING_MENU_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, menuItemViews([]orderingtypes.MenuItem{item})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleMenuItemToggleAPI(w http.ResponseWriter, r *http.Request, menu orderingservices.MenuService) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		MenuItemUUID string `json:"menu_item_uuid"`
		Available    bool   `json:"available"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := menu.ToggleMenuItem(r.Context(), tenant.ID, req.MenuItemUUID, req.Available)
	if err != nil {
		writeStoreError(w, r, err, "ORDERING_MENU_TOGGLE_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, menuItemViews([]orderingtypes.MenuItem{item})[0])
}

func handleOrderingOrdersAPI(w http.ResponseWriter, r *http.Request, orders orderingservices.OrderService, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := orders.ListOrders(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "ORDERING_ORDER_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"orders":    orderingOrderViews(items),
		})

	case http.MethodPost:
		var req struct {
			TableNumber int `json:"table_number"`
			Lines       []struct {
				MenuItemUUID string `json:"menu_item_uuid"`
				Quantity     int    `json:"quantity"`
			} `json:"lines"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		lines := make([]orderingservices.OrderLineRequest, 0, len(req.Lines))
		for _, l := range req.Lines {
			lines = append(lines, orderingservices.OrderLineRequest{
				MenuItemUUID: l.MenuItemUUID,
				Quantity:     l.Quantity,
			})
		}
		o, err := orders.OpenOrder(r.Context(), tenant.ID, req.TableNumber, lines)
		if err != nil {
			writeStoreError(w, r, err, "ORDERING_ORDER_CREATE_FAILED")
			return
		}
		notifyMutation(r, notifier, tenant.ID, "ordering_order", "created", "Order opened", o.UUID)
		writeJSON(w, http.StatusCreated, orderingOrderViews([]orderingtypes.Order{o})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleOrderingOrderStatusAPI(w http.ResponseWriter, r *http.Request, orders orderingservices.OrderService, notifier *Notifier) {
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
	o, err := orders.UpdateStatus(r.Context(), tenant.ID, strings.TrimSpace(req.OrderUUID), req.Status)
	if err != nil {
		writeStoreError(w, r, err, "ORDERING_ORDER_STATUS_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "ordering_order", "status_changed", "Order "+o.Status, o.UUID)
	writeJSON(w, http.StatusOK, orderingOrderViews([]orderingtypes.Order{o})[0])
}

func menuItemViews(items []orderingtypes.MenuItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"menu_item_uuid": item.UUID,
			"name":           item.Name,
			"category":       item.Category,
			"price_cents":    item.PriceCents,
			"available":      item.Available,
			"created_at":     item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func orderingOrderViews(items []orderingtypes.Order) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, o := range items {
		lines := make([]map[string]any, 0, len(o.Lines))
		for _, l := range o.Lines {
			lines = append(lines, map[string]any{
				"menu_item_uuid": l.MenuItemUUID,
				"name":           l.Name,
				"quantity":       l.Quantity,
				"price_cents":    l.PriceCents,
			})
		}
		out = append(out, map[string]any{
			"order_uuid":   o.UUID,
			"table_number": o.TableNumber,
			"status":       o.Status,
			"lines":        lines,
			"total_cents":  o.TotalCents,
			"created_at":   o.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
