package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nineleaf/bizdesk/internal/routing"
)

func requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "sign in required")
		return Principal{}, false
	}
	return p, true
}

func handleNotificationsAPI(w http.ResponseWriter, r *http.Request, store NotificationStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit := queryLimit(r, 50, 200)
	items, unread, err := store.ListNotifications(r.Context(), tenant.ID, p.ID, limit)
	if err != nil {
		writeStoreError(w, r, err, "NOTIFY_LIST_FAILED")
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, n := range items {
		out = append(out, notificationItem(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":     tenant.ID,
		"unread":        unread,
		"notifications": out,
	})
}

func handleNotificationsMarkReadAPI(w http.ResponseWriter, r *http.Request, store NotificationStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	// Empty list means mark everything read.
	var req struct {
		NotificationUUIDs []string `json:"notification_uuids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := store.MarkNotificationsRead(r.Context(), tenant.ID, p.ID, req.NotificationUUIDs); err != nil {
		writeStoreError(w, r, err, "NOTIFY_MARK_READ_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleNotificationPrefsAPI(w http.ResponseWriter, r *http.Request, prefs NotificationPreferenceStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		pref, err := prefs.GetPreference(r.Context(), tenant.ID, p.ID)
		if err != nil {
			writeStoreError(w, r, err, "NOTIFY_PREFS_FAILED")
			return
		}
		writeJSON(w, http.StatusOK, preferenceItem(pref))

	case http.MethodPost:
		var req struct {
			SoundEnabled bool   `json:"sound_enabled"`
			QuietStart   string `json:"quiet_start"`
			QuietEnd     string `json:"quiet_end"`
			Filter       string `json:"filter"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		pref := NotificationPreference{
			SoundEnabled: req.SoundEnabled,
			QuietStart:   strings.TrimSpace(req.QuietStart),
			QuietEnd:     strings.TrimSpace(req.QuietEnd),
			Filter:       strings.TrimSpace(req.Filter),
		}
		if (pref.QuietStart == "") != (pref.QuietEnd == "") {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "quiet_start and quiet_end must be set together")
			return
		}
		if pref.QuietStart != "" {
			if _, err := parseWallClock(pref.QuietStart); err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			if _, err := parseWallClock(pref.QuietEnd); err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}
		if pref.Filter != "" {
			if _, err := compileNotificationFilter(pref.Filter); err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}
		if err := prefs.SetPreference(r.Context(), tenant.ID, p.ID, pref); err != nil {
			writeStoreError(w, r, err, "NOTIFY_PREFS_UPDATE_FAILED")
			return
		}
		writeJSON(w, http.StatusOK, preferenceItem(pref))

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleNotificationEventsSSE streams the principal's realtime feed.
// Heartbeat comments keep proxies from closing an idle stream.
func handleNotificationEventsSSE(w http.ResponseWriter, r *http.Request, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassEvents, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassEvents, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	events, cancel := notifier.Subscribe(tenant.ID, p.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	enc := func(ev NotificationEvent) []byte {
		payload := notificationItem(ev.Notification)
		payload["actor_id"] = ev.ActorID
		payload["record_name"] = ev.RecordName
		payload["play_sound"] = ev.PlaySound
		b, _ := json.Marshal(payload)
		return b
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("event: notification\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(enc(ev)); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func notificationItem(n Notification) map[string]any {
	return map[string]any{
		"notification_uuid": n.UUID,
		"entity_type":       n.EntityType,
		"event":             n.Event,
		"title":             n.Title,
		"body":              n.Body,
		"is_read":           n.IsRead,
		"created_at":        n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func preferenceItem(pref NotificationPreference) map[string]any {
	return map[string]any{
		"sound_enabled": pref.SoundEnabled,
		"quiet_start":   pref.QuietStart,
		"quiet_end":     pref.QuietEnd,
		"filter":        pref.Filter,
	}
}
