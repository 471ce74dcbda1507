package persistence

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/nineleaf/bizdesk/modules/ordering/domain/ports"
	"github.com/nineleaf/bizdesk/modules/ordering/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OrderingPGStore struct {
	pool pgBeginner
}

var _ ports.MenuItemStore = (*OrderingPGStore)(nil)
var _ ports.OrderStore = (*OrderingPGStore)(nil)

func NewOrderingPGStore(pool pgBeginner) *OrderingPGStore {
	return &OrderingPGStore{pool: pool}
}

func (s *OrderingPGStore) ListMenuItems(ctx context.Context, tenantID string) ([]types.MenuItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, category, price_cents, available, created_at
FROM ordering.menu_items
WHERE tenant_id = $1::uuid
ORDER BY category ASC, name ASC, id ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MenuItem
	for rows.Next() {
		var item types.MenuItem
		if err := rows.Scan(&item.UUID, &item.Name, &item.Category, &item.PriceCents, &item.Available, &item.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OrderingPGStore) GetMenuItems(ctx context.Context, tenantID string, uuids []string) ([]types.MenuItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, category, price_cents, available, created_at
FROM ordering.menu_items
WHERE tenant_id = $1::uuid AND id = ANY($2::uuid[])
`, tenantID, uuids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MenuItem
	for rows.Next() {
		var item types.MenuItem
		if err := rows.Scan(&item.UUID, &item.Name, &item.Category, &item.PriceCents, &item.Available, &item.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OrderingPGStore) CreateMenuItem(ctx context.Context, tenantID string, item types.MenuItem) (types.MenuItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.MenuItem{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.MenuItem{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO ordering.menu_items (tenant_id, name, category, price_cents, available)
VALUES ($1::uuid, $2, $3, $4, $5)
RETURNING id::text, created_at
`, tenantID, item.Name, item.Category, item.PriceCents, item.Available).Scan(&item.UUID, &item.CreatedAt); err != nil {
		return types.MenuItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.MenuItem{}, err
	}
	return item, nil
}

func (s *OrderingPGStore) SetMenuItemAvailability(ctx context.Context, tenantID string, itemUUID string, available bool) (types.MenuItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.MenuItem{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.MenuItem{}, err
	}

	var item types.MenuItem
	if err := tx.QueryRow(ctx, `
UPDATE ordering.menu_items
SET available = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, name, category, price_cents, available, created_at
`, tenantID, itemUUID, available).Scan(&item.UUID, &item.Name, &item.Category, &item.PriceCents, &item.Available, &item.CreatedAt); err != nil {
		return types.MenuItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.MenuItem{}, err
	}
	return item, nil
}

// Order lines are stored denormalized as a jsonb column: orders are
// immutable snapshots, so there is nothing to join or update per line.
type orderLineRecord struct {
	MenuItemUUID string `json:"menu_item_uuid"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	PriceCents   int64  `json:"price_cents"`
}

func encodeLines(lines []types.OrderLine) ([]byte, error) {
	records := make([]orderLineRecord, 0, len(lines))
	for _, l := range lines {
		records = append(records, orderLineRecord(l))
	}
	return json.Marshal(records)
}

func decodeLines(raw []byte) ([]types.OrderLine, error) {
	var records []orderLineRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	lines := make([]types.OrderLine, 0, len(records))
	for _, rec := range records {
		lines = append(lines, types.OrderLine(rec))
	}
	return lines, nil
}

func (s *OrderingPGStore) ListOrders(ctx context.Context, tenantID string) ([]types.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, table_number, status, lines, total_cents, created_at
FROM ordering.orders
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var raw []byte
		if err := rows.Scan(&o.UUID, &o.TableNumber, &o.Status, &raw, &o.TotalCents, &o.CreatedAt); err != nil {
			return nil, err
		}
		if o.Lines, err = decodeLines(raw); err != nil {
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

func (s *OrderingPGStore) GetOrder(ctx context.Context, tenantID string, orderUUID string) (types.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Order{}, err
	}

	var o types.Order
	var raw []byte
	if err := tx.QueryRow(ctx, `
SELECT id::text, table_number, status, lines, total_cents, created_at
FROM ordering.orders
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, orderUUID).Scan(&o.UUID, &o.TableNumber, &o.Status, &raw, &o.TotalCents, &o.CreatedAt); err != nil {
		return types.Order{}, err
	}
	if o.Lines, err = decodeLines(raw); err != nil {
		return types.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Order{}, err
	}
	return o, nil
}

func (s *OrderingPGStore) CreateOrder(ctx context.Context, tenantID string, order types.Order) (types.Order, error) {
	raw, err := encodeLines(order.Lines)
	if err != nil {
		return types.Order{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Order{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO ordering.orders (tenant_id, table_number, status, lines, total_cents)
VALUES ($1::uuid, $2, $3, $4::jsonb, $5)
RETURNING id::text, created_at
`, tenantID, order.TableNumber, order.Status, raw, order.TotalCents).Scan(&order.UUID, &order.CreatedAt); err != nil {
		return types.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Order{}, err
	}
	return order, nil
}

func (s *OrderingPGStore) UpdateOrderStatus(ctx context.Context, tenantID string, orderUUID string, status string) (types.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Order{}, err
	}

	var o types.Order
	var raw []byte
	if err := tx.QueryRow(ctx, `
UPDATE ordering.orders
SET status = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, table_number, status, lines, total_cents, created_at
`, tenantID, orderUUID, status).Scan(&o.UUID, &o.TableNumber, &o.Status, &raw, &o.TotalCents, &o.CreatedAt); err != nil {
		return types.Order{}, err
	}
	if o.Lines, err = decodeLines(raw); err != nil {
		return types.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Order{}, err
	}
	return o, nil
}
