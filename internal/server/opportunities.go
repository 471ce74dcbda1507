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

// Opportunity is a deal in flight. It carries a pipeline stage rather
// than a status.
type Opportunity struct {
	UUID        string
	Name        string
	AccountName string
	Stage       string
	AmountCents int64
	CreatedAt   time.Time
}

var opportunityStages = map[string]bool{
	"prospecting": true,
	"proposal":    true,
	"negotiation": true,
	"closed_won":  true,
	"closed_lost": true,
}

type OpportunityStore interface {
	ListOpportunities(ctx context.Context, tenantID string) ([]Opportunity, error)
	CreateOpportunity(ctx context.Context, tenantID string, name string, accountName string, amountCents int64) (Opportunity, error)
	SearchOpportunities(ctx context.Context, tenantID string, q string, limit int) ([]Opportunity, error)
	UpdateOpportunityStage(ctx context.Context, tenantID string, oppUUID string, stage string) (Opportunity, error)
}

type opportunityPGStore struct {
	pool pgBeginner
}

func newOpportunityPGStore(pool pgBeginner) OpportunityStore {
	return &opportunityPGStore{pool: pool}
}

func (s *opportunityPGStore) ListOpportunities(ctx context.Context, tenantID string) ([]Opportunity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, account_name, stage, amount_cents, created_at
FROM crm.opportunities
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Opportunity
	for rows.Next() {
		var o Opportunity
		if err := rows.Scan(&o.UUID, &o.Name, &o.AccountName, &o.Stage, &o.AmountCents, &o.CreatedAt); err != nil {
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

func (s *opportunityPGStore) CreateOpportunity(ctx context.Context, tenantID string, name string, accountName string, amountCents int64) (Opportunity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Opportunity{}, newBadRequestError("name is required")
	}
	if amountCents < 0 {
		return Opportunity{}, newBadRequestError("amount_cents must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Opportunity{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Opportunity{}, err
	}

	o := Opportunity{Name: name, AccountName: strings.TrimSpace(accountName), Stage: "prospecting", AmountCents: amountCents}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.opportunities (tenant_id, name, account_name, stage, amount_cents)
VALUES ($1::uuid, $2, $3, 'prospecting', $4)
RETURNING id::text, created_at
`, tenantID, o.Name, o.AccountName, o.AmountCents).Scan(&o.UUID, &o.CreatedAt); err != nil {
		return Opportunity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Opportunity{}, err
	}
	return o, nil
}

func (s *opportunityPGStore) SearchOpportunities(ctx context.Context, tenantID string, q string, limit int) ([]Opportunity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, account_name, stage, amount_cents, created_at
FROM crm.opportunities
WHERE tenant_id = $1::uuid
  AND (name ILIKE ('%' || $2::text || '%') OR account_name ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, id ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Opportunity
	for rows.Next() {
		var o Opportunity
		if err := rows.Scan(&o.UUID, &o.Name, &o.AccountName, &o.Stage, &o.AmountCents, &o.CreatedAt); err != nil {
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

func (s *opportunityPGStore) UpdateOpportunityStage(ctx context.Context, tenantID string, oppUUID string, stage string) (Opportunity, error) {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if !opportunityStages[stage] {
		return Opportunity{}, newBadRequestError("unknown opportunity stage: " + stage)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Opportunity{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Opportunity{}, err
	}

	var o Opportunity
	if err := tx.QueryRow(ctx, `
UPDATE crm.opportunities
SET stage = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, name, account_name, stage, amount_cents, created_at
`, tenantID, oppUUID, stage).Scan(&o.UUID, &o.Name, &o.AccountName, &o.Stage, &o.AmountCents, &o.CreatedAt); err != nil {
		return Opportunity{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Opportunity{}, err
	}
	return o, nil
}

type opportunityMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Opportunity
}

func newOpportunityMemoryStore() *opportunityMemoryStore {
	return &opportunityMemoryStore{byTenant: make(map[string][]Opportunity)}
}

func (s *opportunityMemoryStore) ListOpportunities(_ context.Context, tenantID string) ([]Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Opportunity(nil), s.byTenant[tenantID]...), nil
}

func (s *opportunityMemoryStore) CreateOpportunity(_ context.Context, tenantID string, name string, accountName string, amountCents int64) (Opportunity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Opportunity{}, newBadRequestError("name is required")
	}
	if amountCents < 0 {
		return Opportunity{}, newBadRequestError("amount_cents must not be negative")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Opportunity{}, err
	}
	o := Opportunity{
		UUID:        id,
		Name:        name,
		AccountName: strings.TrimSpace(accountName),
		Stage:       "prospecting",
		AmountCents: amountCents,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Opportunity{o}, s.byTenant[tenantID]...)
	return o, nil
}

func (s *opportunityMemoryStore) SearchOpportunities(_ context.Context, tenantID string, q string, limit int) ([]Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Opportunity
	for _, o := range s.byTenant[tenantID] {
		if containsFold(o.Name, q) || containsFold(o.AccountName, q) {
			out = append(out, o)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *opportunityMemoryStore) UpdateOpportunityStage(_ context.Context, tenantID string, oppUUID string, stage string) (Opportunity, error) {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if !opportunityStages[stage] {
		return Opportunity{}, newBadRequestError("unknown opportunity stage: " + stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == oppUUID {
			list[i].Stage = stage
			return list[i], nil
		}
	}
	return Opportunity{}, errNotFoundRow
}

func handleOpportunitiesAPI(w http.ResponseWriter, r *http.Request, store OpportunityStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListOpportunities(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_OPPORTUNITY_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id":     tenant.ID,
			"opportunities": opportunityItems(items),
		})

	case http.MethodPost:
		var req struct {
			Name        string `json:"name"`
			AccountName string `json:"account_name"`
			AmountCents int64  `json:"amount_cents"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		o, err := store.CreateOpportunity(r.Context(), tenant.ID, req.Name, req.AccountName, req.AmountCents)
		if err != nil {
			writeStoreError(w, r, err, "CRM_OPPORTUNITY_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, opportunityItems([]Opportunity{o})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleOpportunityStageAPI(w http.ResponseWriter, r *http.Request, store OpportunityStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		OpportunityUUID string `json:"opportunity_uuid"`
		Stage           string `json:"stage"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := store.UpdateOpportunityStage(r.Context(), tenant.ID, strings.TrimSpace(req.OpportunityUUID), req.Stage)
	if err != nil {
		writeStoreError(w, r, err, "CRM_OPPORTUNITY_STAGE_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "opportunity", "stage_changed", "Opportunity "+o.Stage, o.Name)
	writeJSON(w, http.StatusOK, opportunityItems([]Opportunity{o})[0])
}

func opportunityItems(items []Opportunity) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, o := range items {
		out = append(out, map[string]any{
			"opportunity_uuid": o.UUID,
			"name":             o.Name,
			"account_name":     o.AccountName,
			"stage":            o.Stage,
			"amount_cents":     o.AmountCents,
			"created_at":       o.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}
