package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nineleaf/bizdesk/internal/routing"
)

// SettingsStore keeps per-tenant org settings. Today that is only the
// org timezone, an IANA zone name.
type SettingsStore interface {
	GetTimezone(ctx context.Context, tenantID string) (string, error)
	SetTimezone(ctx context.Context, tenantID string, tz string) error
}

type settingsPGStore struct {
	pool pgBeginner
}

func newSettingsPGStore(pool pgBeginner) SettingsStore {
	return &settingsPGStore{pool: pool}
}

func (s *settingsPGStore) GetTimezone(ctx context.Context, tenantID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return "", err
	}

	var tz string
	err = tx.QueryRow(ctx, `
SELECT timezone
FROM crm.org_settings
WHERE tenant_id = $1::uuid
`, tenantID).Scan(&tz)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "UTC", nil
		}
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return tz, nil
}

func (s *settingsPGStore) SetTimezone(ctx context.Context, tenantID string, tz string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO crm.org_settings (tenant_id, timezone)
VALUES ($1::uuid, $2)
ON CONFLICT (tenant_id) DO UPDATE SET
  timezone = EXCLUDED.timezone,
  updated_at = now()
`, tenantID, tz); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type settingsMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string]string
}

func newSettingsMemoryStore() *settingsMemoryStore {
	return &settingsMemoryStore{byTenant: make(map[string]string)}
}

func (s *settingsMemoryStore) GetTimezone(_ context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tz, ok := s.byTenant[tenantID]; ok {
		return tz, nil
	}
	return "UTC", nil
}

func (s *settingsMemoryStore) SetTimezone(_ context.Context, tenantID string, tz string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = tz
	return nil
}

// orgLocation resolves the tenant's timezone to a *time.Location. An
// unset or unloadable zone falls back to UTC rather than failing the
// request.
func orgLocation(ctx context.Context, settings SettingsStore, tenantID string) *time.Location {
	tz, err := settings.GetTimezone(ctx, tenantID)
	if err != nil {
		log.Printf("settings: load timezone for tenant %s: %v", tenantID, err)
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("settings: bad timezone %q for tenant %s: %v", tz, tenantID, err)
		return time.UTC
	}
	return loc
}

func handleTimezoneSettingAPI(w http.ResponseWriter, r *http.Request, settings SettingsStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		tz, err := settings.GetTimezone(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_SETTINGS_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"timezone":  tz,
		})

	case http.MethodPost:
		var req struct {
			Timezone string `json:"timezone"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		tz := strings.TrimSpace(req.Timezone)
		if _, err := time.LoadLocation(tz); err != nil || tz == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "timezone must be a valid IANA zone name")
			return
		}
		if err := settings.SetTimezone(r.Context(), tenant.ID, tz); err != nil {
			writeStoreError(w, r, err, "CRM_SETTINGS_UPDATE_FAILED")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"timezone":  tz,
		})

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
