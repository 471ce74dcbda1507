package ports

import (
	"context"

	"github.com/nineleaf/bizdesk/modules/ordering/domain/types"
)

type MenuItemStore interface {
	ListMenuItems(ctx context.Context, tenantID string) ([]types.MenuItem, error)
	GetMenuItems(ctx context.Context, tenantID string, uuids []string) ([]types.MenuItem, error)
	CreateMenuItem(ctx context.Context, tenantID string, item types.MenuItem) (types.MenuItem, error)
	SetMenuItemAvailability(ctx context.Context, tenantID string, itemUUID string, available bool) (types.MenuItem, error)
}

type OrderStore interface {
	ListOrders(ctx context.Context, tenantID string) ([]types.Order, error)
	GetOrder(ctx context.Context, tenantID string, orderUUID string) (types.Order, error)
	CreateOrder(ctx context.Context, tenantID string, order types.Order) (types.Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID string, orderUUID string, status string) (types.Order, error)
}
