package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseWallClock(t *testing.T) {
	valid := map[string]int{
		"00:00": 0,
		"07:30": 7*60 + 30,
		"23:59": 23*60 + 59,
	}
	for in, want := range valid {
		got, err := parseWallClock(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q=%d, want %d", in, got, want)
		}
	}

	for _, in := range []string{"", "7", "24:00", "12:60", "ab:cd", "-1:00"} {
		if _, err := parseWallClock(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestInQuietWindow(t *testing.T) {
	cases := []struct {
		start, end, now int
		want            bool
	}{
		// Plain window 09:00-17:00.
		{540, 1020, 539, false},
		{540, 1020, 540, true},
		{540, 1020, 1019, true},
		{540, 1020, 1020, false},
		// Wrapping window 22:00-07:00.
		{1320, 420, 1320, true},
		{1320, 420, 1439, true},
		{1320, 420, 0, true},
		{1320, 420, 419, true},
		{1320, 420, 420, false},
		{1320, 420, 720, false},
	}
	for _, c := range cases {
		if got := inQuietWindow(c.start, c.end, c.now); got != c.want {
			t.Fatalf("inQuietWindow(%d,%d,%d)=%v, want %v", c.start, c.end, c.now, got, c.want)
		}
	}
}

func TestQuietNow(t *testing.T) {
	la := mustLoadLocation(t, "America/Los_Angeles")
	pref := NotificationPreference{QuietStart: "22:00", QuietEnd: "07:00"}

	// 06:30Z on Jun 1 is 23:30 the previous evening in Los Angeles.
	now := time.Date(2024, time.June, 1, 6, 30, 0, 0, time.UTC)
	if !quietNow(pref, now, la) {
		t.Fatal("expected quiet in Los Angeles")
	}
	if quietNow(pref, now, time.UTC) {
		t.Fatal("06:30 UTC is outside the window")
	}

	// Empty or malformed walls mean no quiet window.
	if quietNow(NotificationPreference{}, now, la) {
		t.Fatal("empty walls must not be quiet")
	}
	if quietNow(NotificationPreference{QuietStart: "25:00", QuietEnd: "07:00"}, now, la) {
		t.Fatal("malformed walls must not be quiet")
	}
}

func TestCompileNotificationFilter(t *testing.T) {
	if _, err := compileNotificationFilter(`entity_type == "lead"`); err != nil {
		t.Fatal(err)
	}
	if _, err := compileNotificationFilter(`entity_type`); err == nil {
		t.Fatal("non-bool expression must be rejected")
	}
	if _, err := compileNotificationFilter(`entity_type ==`); err == nil {
		t.Fatal("syntax error must be rejected")
	}
}

func TestFilterAllows(t *testing.T) {
	n := Notification{EntityType: "lead", Event: "status_changed"}

	if !filterAllows("", n, "actor", "Acme") {
		t.Fatal("empty filter allows everything")
	}
	if !filterAllows(`entity_type == "lead"`, n, "actor", "Acme") {
		t.Fatal("matching filter should allow")
	}
	if filterAllows(`entity_type == "case"`, n, "actor", "Acme") {
		t.Fatal("non-matching filter should block")
	}
	// Broken expressions fail open rather than eating events.
	if !filterAllows(`this is not cel`, n, "actor", "Acme") {
		t.Fatal("uncompilable filter must fail open")
	}
}

func TestBroker_PublishRouting(t *testing.T) {
	b := newNotificationBroker()

	chA, cancelA := b.Subscribe(testTenantID, "recipient-a")
	defer cancelA()
	chB, cancelB := b.Subscribe(testTenantID, "recipient-b")
	defer cancelB()

	b.Publish(testTenantID, "recipient-a", NotificationEvent{RecordName: "for-a"})

	select {
	case ev := <-chA:
		if ev.RecordName != "for-a" {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatal("recipient-a got nothing")
	}
	select {
	case ev := <-chB:
		t.Fatalf("recipient-b got %+v", ev)
	default:
	}
}

func TestBroker_CancelClosesChannel(t *testing.T) {
	b := newNotificationBroker()
	ch, cancel := b.Subscribe(testTenantID, "r")
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed")
	}
	// Publishing after cancel must not panic.
	b.Publish(testTenantID, "r", NotificationEvent{})
	// Cancel is idempotent.
	cancel()
}

func TestBroker_SlowSubscriberDropsEvents(t *testing.T) {
	b := newNotificationBroker()
	ch, cancel := b.Subscribe(testTenantID, "r")
	defer cancel()

	for i := 0; i < brokerSubscriberBuffer+5; i++ {
		b.Publish(testTenantID, "r", NotificationEvent{})
	}
	if len(ch) != brokerSubscriberBuffer {
		t.Fatalf("buffered=%d, want %d", len(ch), brokerSubscriberBuffer)
	}
}

func TestNotifier_AlwaysInsertsRowSoundGatedByQuietWindow(t *testing.T) {
	store := newNotificationMemoryStore()
	prefs := newPreferenceMemoryStore()
	settings := newSettingsMemoryStore()
	n := NewNotifier(store, prefs, settings)

	// Freeze the clock at 23:30 UTC, inside a 22:00-07:00 window.
	n.now = func() time.Time { return time.Date(2024, time.June, 1, 23, 30, 0, 0, time.UTC) }

	ctx := context.Background()
	if err := prefs.SetPreference(ctx, testTenantID, "r", NotificationPreference{
		SoundEnabled: true,
		QuietStart:   "22:00",
		QuietEnd:     "07:00",
	}); err != nil {
		t.Fatal(err)
	}

	ch, cancel := n.Subscribe(testTenantID, "r")
	defer cancel()

	n.Notify(ctx, testTenantID, "r", "lead", "status_changed", "Lead qualified", "lead status_changed", "actor", "Acme")

	items, unread, err := store.ListNotifications(ctx, testTenantID, "r", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || unread != 1 {
		t.Fatalf("items=%d unread=%d", len(items), unread)
	}

	select {
	case ev := <-ch:
		if ev.PlaySound {
			t.Fatal("quiet window must mute the sound")
		}
		if ev.Notification.Title != "Lead qualified" {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatal("no realtime event delivered")
	}

	// Outside the window the sound comes back.
	n.now = func() time.Time { return time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC) }
	n.Notify(ctx, testTenantID, "r", "lead", "status_changed", "Lead lost", "lead status_changed", "actor", "Acme")
	select {
	case ev := <-ch:
		if !ev.PlaySound {
			t.Fatal("expected sound outside the quiet window")
		}
	default:
		t.Fatal("no realtime event delivered")
	}
}

func TestNotifier_FilterGatesDeliveryNotStorage(t *testing.T) {
	store := newNotificationMemoryStore()
	prefs := newPreferenceMemoryStore()
	n := NewNotifier(store, prefs, newSettingsMemoryStore())

	ctx := context.Background()
	if err := prefs.SetPreference(ctx, testTenantID, "r", NotificationPreference{
		SoundEnabled: true,
		Filter:       `entity_type == "case"`,
	}); err != nil {
		t.Fatal(err)
	}

	ch, cancel := n.Subscribe(testTenantID, "r")
	defer cancel()

	n.Notify(ctx, testTenantID, "r", "lead", "status_changed", "Lead", "body", "actor", "Acme")

	select {
	case ev := <-ch:
		t.Fatalf("filtered event delivered: %+v", ev)
	default:
	}

	// The row still landed in the feed.
	items, _, err := store.ListNotifications(ctx, testTenantID, "r", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items=%d, want 1", len(items))
	}
}

func TestNotifier_SoundDisabledPreference(t *testing.T) {
	prefs := newPreferenceMemoryStore()
	n := NewNotifier(newNotificationMemoryStore(), prefs, newSettingsMemoryStore())

	ctx := context.Background()
	if err := prefs.SetPreference(ctx, testTenantID, "r", NotificationPreference{SoundEnabled: false}); err != nil {
		t.Fatal(err)
	}

	ch, cancel := n.Subscribe(testTenantID, "r")
	defer cancel()

	n.Notify(ctx, testTenantID, "r", "lead", "created", "Lead", "body", "actor", "Acme")
	select {
	case ev := <-ch:
		if ev.PlaySound {
			t.Fatal("sound disabled must win")
		}
	default:
		t.Fatal("no realtime event delivered")
	}
}

func prefsPostRequest(t *testing.T, payload any) *http.Request {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/notifications/api/preferences", bytes.NewReader(b))
	ctx := withTenant(req.Context(), Tenant{ID: testTenantID, Domain: "localhost"})
	ctx = withPrincipal(ctx, Principal{ID: "11111111-1111-1111-1111-111111111111", TenantID: testTenantID, RoleSlug: "tenant-admin", Status: "active"})
	return req.WithContext(ctx)
}

func TestNotificationPrefsAPI_Validation(t *testing.T) {
	prefs := newPreferenceMemoryStore()

	cases := []map[string]any{
		{"quiet_start": "22:00"},
		{"quiet_end": "07:00"},
		{"quiet_start": "25:00", "quiet_end": "07:00"},
		{"quiet_start": "22:00", "quiet_end": "07:70"},
		{"filter": "entity_type"},
		{"filter": "entity_type =="},
	}
	for _, payload := range cases {
		rec := httptest.NewRecorder()
		handleNotificationPrefsAPI(rec, prefsPostRequest(t, payload), prefs)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload=%v status=%d body=%s", payload, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	handleNotificationPrefsAPI(rec, prefsPostRequest(t, map[string]any{
		"sound_enabled": true,
		"quiet_start":   "22:00",
		"quiet_end":     "07:00",
		"filter":        `event != "created"`,
	}), prefs)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	pref, err := prefs.GetPreference(context.Background(), testTenantID, "11111111-1111-1111-1111-111111111111")
	if err != nil {
		t.Fatal(err)
	}
	if pref.QuietStart != "22:00" || pref.QuietEnd != "07:00" {
		t.Fatalf("pref=%+v", pref)
	}
}

func TestNotificationsMarkReadAPI_EmptyListMarksAll(t *testing.T) {
	store := newNotificationMemoryStore()
	recipient := "11111111-1111-1111-1111-111111111111"

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.CreateNotification(ctx, testTenantID, Notification{RecipientID: recipient, EntityType: "lead", Event: "created", Title: "t"}); err != nil {
			t.Fatal(err)
		}
	}

	b, _ := json.Marshal(map[string]any{"notification_uuids": []string{}})
	req := httptest.NewRequest(http.MethodPost, "/notifications/api:mark-read", bytes.NewReader(b))
	reqCtx := withTenant(req.Context(), Tenant{ID: testTenantID, Domain: "localhost"})
	reqCtx = withPrincipal(reqCtx, Principal{ID: recipient, TenantID: testTenantID, RoleSlug: "tenant-admin", Status: "active"})
	rec := httptest.NewRecorder()
	handleNotificationsMarkReadAPI(rec, req.WithContext(reqCtx), store)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	_, unread, err := store.ListNotifications(ctx, testTenantID, recipient, 10)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 0 {
		t.Fatalf("unread=%d, want 0", unread)
	}
}
