package services

import (
	"context"
	"errors"
	"strings"

	"github.com/nineleaf/bizdesk/modules/ordering/domain/ports"
	"github.com/nineleaf/bizdesk/modules/ordering/domain/types"
	"github.com/nineleaf/bizdesk/pkg/httperr"
)

// Stable codes surfaced to API clients on 422s.
const (
	errMenuItemNotFound      = "ORDERING_MENU_ITEM_NOT_FOUND"
	errMenuItemUnavailable   = "ORDERING_MENU_ITEM_UNAVAILABLE"
	errStatusTransitionWrong = "ORDERING_STATUS_TRANSITION_INVALID"
)

type MenuService interface {
	ListMenu(ctx context.Context, tenantID string) ([]types.MenuItem, error)
	CreateMenuItem(ctx context.Context, tenantID string, name string, category string, priceCents int64) (types.MenuItem, error)
	ToggleMenuItem(ctx context.Context, tenantID string, itemUUID string, available bool) (types.MenuItem, error)
}

type OrderLineRequest struct {
	MenuItemUUID string
	Quantity     int
}

type OrderService interface {
	ListOrders(ctx context.Context, tenantID string) ([]types.Order, error)
	OpenOrder(ctx context.Context, tenantID string, tableNumber int, lines []OrderLineRequest) (types.Order, error)
	UpdateStatus(ctx context.Context, tenantID string, orderUUID string, status string) (types.Order, error)
}

type menuService struct {
	items ports.MenuItemStore
}

func NewMenuService(items ports.MenuItemStore) MenuService {
	return &menuService{items: items}
}

func (s *menuService) ListMenu(ctx context.Context, tenantID string) ([]types.MenuItem, error) {
	return s.items.ListMenuItems(ctx, tenantID)
}

func (s *menuService) CreateMenuItem(ctx context.Context, tenantID string, name string, category string, priceCents int64) (types.MenuItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.MenuItem{}, httperr.NewBadRequest("name is required")
	}
	if priceCents < 0 {
		return types.MenuItem{}, httperr.NewBadRequest("price_cents must not be negative")
	}
	item := types.MenuItem{
		Name:       name,
		Category:   strings.TrimSpace(category),
		PriceCents: priceCents,
		Available:  true,
	}
	return s.items.CreateMenuItem(ctx, tenantID, item)
}

func (s *menuService) ToggleMenuItem(ctx context.Context, tenantID string, itemUUID string, available bool) (types.MenuItem, error) {
	itemUUID = strings.TrimSpace(itemUUID)
	if itemUUID == "" {
		return types.MenuItem{}, httperr.NewBadRequest("menu_item_uuid is required")
	}
	return s.items.SetMenuItemAvailability(ctx, tenantID, itemUUID, available)
}

type orderService struct {
	items  ports.MenuItemStore
	orders ports.OrderStore
}

func NewOrderService(items ports.MenuItemStore, orders ports.OrderStore) OrderService {
	return &orderService{items: items, orders: orders}
}

func (s *orderService) ListOrders(ctx context.Context, tenantID string) ([]types.Order, error) {
	return s.orders.ListOrders(ctx, tenantID)
}

// OpenOrder resolves every requested line against the current menu,
// snapshots name and price, and totals the order. Any unknown or
// unavailable item rejects the whole order.
func (s *orderService) OpenOrder(ctx context.Context, tenantID string, tableNumber int, lines []OrderLineRequest) (types.Order, error) {
	if tableNumber <= 0 {
		return types.Order{}, httperr.NewBadRequest("table_number must be positive")
	}
	if len(lines) == 0 {
		return types.Order{}, httperr.NewBadRequest("at least one line is required")
	}

	uuids := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.MenuItemUUID) == "" {
			return types.Order{}, httperr.NewBadRequest("menu_item_uuid is required on every line")
		}
		if l.Quantity <= 0 {
			return types.Order{}, httperr.NewBadRequest("quantity must be positive")
		}
		uuids = append(uuids, strings.TrimSpace(l.MenuItemUUID))
	}

	found, err := s.items.GetMenuItems(ctx, tenantID, uuids)
	if err != nil {
		return types.Order{}, err
	}
	byUUID := make(map[string]types.MenuItem, len(found))
	for _, item := range found {
		byUUID[item.UUID] = item
	}

	order := types.Order{
		TableNumber: tableNumber,
		Status:      types.OrderStatusOpen,
	}
	for _, l := range lines {
		item, ok := byUUID[strings.TrimSpace(l.MenuItemUUID)]
		if !ok {
			return types.Order{}, errors.New(errMenuItemNotFound)
		}
		if !item.Available {
			return types.Order{}, errors.New(errMenuItemUnavailable)
		}
		order.Lines = append(order.Lines, types.OrderLine{
			MenuItemUUID: item.UUID,
			Name:         item.Name,
			Quantity:     l.Quantity,
			PriceCents:   item.PriceCents,
		})
		order.TotalCents += item.PriceCents * int64(l.Quantity)
	}

	return s.orders.CreateOrder(ctx, tenantID, order)
}

func (s *orderService) UpdateStatus(ctx context.Context, tenantID string, orderUUID string, status string) (types.Order, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if _, known := types.NextStatuses[status]; !known {
		return types.Order{}, httperr.NewBadRequest("unknown order status: " + status)
	}

	current, err := s.orders.GetOrder(ctx, tenantID, strings.TrimSpace(orderUUID))
	if err != nil {
		return types.Order{}, err
	}
	if !types.CanTransition(current.Status, status) {
		return types.Order{}, errors.New(errStatusTransitionWrong)
	}

	return s.orders.UpdateOrderStatus(ctx, tenantID, current.UUID, status)
}
