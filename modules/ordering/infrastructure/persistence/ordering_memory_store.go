package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nineleaf/bizdesk/modules/ordering/domain/ports"
	"github.com/nineleaf/bizdesk/modules/ordering/domain/types"
	"github.com/nineleaf/bizdesk/pkg/uuidv7"
)

type OrderingMemoryStore struct {
	mu             sync.Mutex
	itemsByTenant  map[string][]types.MenuItem
	ordersByTenant map[string][]types.Order
}

var _ ports.MenuItemStore = (*OrderingMemoryStore)(nil)
var _ ports.OrderStore = (*OrderingMemoryStore)(nil)

func NewOrderingMemoryStore() *OrderingMemoryStore {
	return &OrderingMemoryStore{
		itemsByTenant:  make(map[string][]types.MenuItem),
		ordersByTenant: make(map[string][]types.Order),
	}
}

func (s *OrderingMemoryStore) ListMenuItems(_ context.Context, tenantID string) ([]types.MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MenuItem(nil), s.itemsByTenant[tenantID]...), nil
}

func (s *OrderingMemoryStore) GetMenuItems(_ context.Context, tenantID string, uuids []string) ([]types.MenuItem, error) {
	want := make(map[string]bool, len(uuids))
	for _, id := range uuids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.MenuItem
	for _, item := range s.itemsByTenant[tenantID] {
		if want[item.UUID] {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *OrderingMemoryStore) CreateMenuItem(_ context.Context, tenantID string, item types.MenuItem) (types.MenuItem, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.MenuItem{}, err
	}
	item.UUID = id
	item.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsByTenant[tenantID] = append(s.itemsByTenant[tenantID], item)
	return item, nil
}

func (s *OrderingMemoryStore) SetMenuItemAvailability(_ context.Context, tenantID string, itemUUID string, available bool) (types.MenuItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.itemsByTenant[tenantID]
	for i := range items {
		if items[i].UUID == itemUUID {
			items[i].Available = available
			return items[i], nil
		}
	}
	return types.MenuItem{}, pgx.ErrNoRows
}

func (s *OrderingMemoryStore) ListOrders(_ context.Context, tenantID string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Order(nil), s.ordersByTenant[tenantID]...), nil
}

func (s *OrderingMemoryStore) GetOrder(_ context.Context, tenantID string, orderUUID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.ordersByTenant[tenantID] {
		if o.UUID == orderUUID {
			return o, nil
		}
	}
	return types.Order{}, pgx.ErrNoRows
}

func (s *OrderingMemoryStore) CreateOrder(_ context.Context, tenantID string, order types.Order) (types.Order, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return types.Order{}, err
	}
	order.UUID = id
	order.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordersByTenant[tenantID] = append([]types.Order{order}, s.ordersByTenant[tenantID]...)
	return order, nil
}

func (s *OrderingMemoryStore) UpdateOrderStatus(_ context.Context, tenantID string, orderUUID string, status string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := s.ordersByTenant[tenantID]
	for i := range orders {
		if orders[i].UUID == orderUUID {
			orders[i].Status = status
			return orders[i], nil
		}
	}
	return types.Order{}, pgx.ErrNoRows
}
