package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/jackc/pgx/v5"
	"github.com/nineleaf/bizdesk/pkg/uuidv7"
)

type Notification struct {
	UUID        string
	RecipientID string
	EntityType  string
	Event       string
	Title       string
	Body        string
	IsRead      bool
	CreatedAt   time.Time
}

type NotificationStore interface {
	ListNotifications(ctx context.Context, tenantID string, recipientID string, limit int) (items []Notification, unread int, err error)
	CreateNotification(ctx context.Context, tenantID string, n Notification) (Notification, error)
	MarkNotificationsRead(ctx context.Context, tenantID string, recipientID string, uuids []string) error
}

// NotificationPreference is per-recipient delivery tuning. QuietStart
// and QuietEnd are "HH:MM" walls in the org timezone; empty means no
// quiet window. Filter is an optional CEL expression.
type NotificationPreference struct {
	SoundEnabled bool
	QuietStart   string
	QuietEnd     string
	Filter       string
}

func defaultNotificationPreference() NotificationPreference {
	return NotificationPreference{SoundEnabled: true}
}

type NotificationPreferenceStore interface {
	GetPreference(ctx context.Context, tenantID string, recipientID string) (NotificationPreference, error)
	SetPreference(ctx context.Context, tenantID string, recipientID string, pref NotificationPreference) error
}

// parseWallClock parses "HH:MM" into minutes after midnight.
func parseWallClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("wall clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("wall clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("wall clock %q: bad minute", s)
	}
	return h*60 + m, nil
}

// inQuietWindow reports whether now falls inside the [start, end) quiet
// window, all three as minutes after midnight. A window with start >=
// end wraps past midnight: 22:00-07:00 covers late evening and early
// morning.
func inQuietWindow(start int, end int, now int) bool {
	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// quietNow evaluates the preference's window against an instant in the
// org timezone. Malformed or empty walls mean no quiet window.
func quietNow(pref NotificationPreference, now time.Time, loc *time.Location) bool {
	if pref.QuietStart == "" || pref.QuietEnd == "" {
		return false
	}
	start, err := parseWallClock(pref.QuietStart)
	if err != nil {
		return false
	}
	end, err := parseWallClock(pref.QuietEnd)
	if err != nil {
		return false
	}
	local := now.In(loc)
	return inQuietWindow(start, end, local.Hour()*60+local.Minute())
}

var notificationFilterEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("event", cel.StringType),
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("record_name", cel.StringType),
	)
})

var notificationFilterCache sync.Map // expression -> cel.Program

// compileNotificationFilter compiles (and caches) a preference filter.
// The expression must evaluate to a bool.
func compileNotificationFilter(expr string) (cel.Program, error) {
	if cached, ok := notificationFilterCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := notificationFilterEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("notification filter: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("notification filter: expression must yield a bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	notificationFilterCache.Store(expr, prg)
	return prg, nil
}

// filterAllows runs the preference filter against an event. An empty
// filter allows everything; a filter that fails to compile or errors at
// runtime allows the event rather than silently eating it.
func filterAllows(expr string, n Notification, actorID string, recordName string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	prg, err := compileNotificationFilter(expr)
	if err != nil {
		log.Printf("notifications: filter compile failed: %v", err)
		return true
	}
	out, _, err := prg.Eval(map[string]any{
		"entity_type": n.EntityType,
		"event":       n.Event,
		"actor_id":    actorID,
		"record_name": recordName,
	})
	if err != nil {
		log.Printf("notifications: filter eval failed: %v", err)
		return true
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return allowed
}

// NotificationEvent is what subscribers receive over SSE.
type NotificationEvent struct {
	Notification Notification
	ActorID      string
	RecordName   string
	PlaySound    bool
}

type brokerSubscriber struct {
	tenantID    string
	recipientID string
	ch          chan NotificationEvent
}

// notificationBroker is the in-process fan-out for realtime delivery.
// Subscriber channels are buffered; a subscriber that cannot keep up
// has events dropped rather than blocking the publisher.
type notificationBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*brokerSubscriber
}

func newNotificationBroker() *notificationBroker {
	return &notificationBroker{subs: make(map[int]*brokerSubscriber)}
}

const brokerSubscriberBuffer = 16

func (b *notificationBroker) Subscribe(tenantID string, recipientID string) (<-chan NotificationEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &brokerSubscriber{
		tenantID:    tenantID,
		recipientID: recipientID,
		ch:          make(chan NotificationEvent, brokerSubscriberBuffer),
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (b *notificationBroker) Publish(tenantID string, recipientID string, ev NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.tenantID != tenantID || sub.recipientID != recipientID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

// Notifier ties the store, preferences and broker together. Mutation
// handlers call Notify; the row is always inserted, the quiet window
// and sound preference only decide play_sound, and the CEL filter only
// gates realtime delivery.
type Notifier struct {
	store    NotificationStore
	prefs    NotificationPreferenceStore
	settings SettingsStore
	broker   *notificationBroker
	now      func() time.Time
}

func NewNotifier(store NotificationStore, prefs NotificationPreferenceStore, settings SettingsStore) *Notifier {
	return &Notifier{
		store:    store,
		prefs:    prefs,
		settings: settings,
		broker:   newNotificationBroker(),
		now:      time.Now,
	}
}

func (n *Notifier) Subscribe(tenantID string, recipientID string) (<-chan NotificationEvent, func()) {
	return n.broker.Subscribe(tenantID, recipientID)
}

func (n *Notifier) Notify(ctx context.Context, tenantID string, recipientID string, entityType string, event string, title string, body string, actorID string, recordName string) {
	row := Notification{
		RecipientID: recipientID,
		EntityType:  entityType,
		Event:       event,
		Title:       title,
		Body:        body,
	}
	created, err := n.store.CreateNotification(ctx, tenantID, row)
	if err != nil {
		log.Printf("notifications: insert failed for tenant %s: %v", tenantID, err)
		return
	}

	pref, err := n.prefs.GetPreference(ctx, tenantID, recipientID)
	if err != nil {
		log.Printf("notifications: load preference for tenant %s: %v", tenantID, err)
		pref = defaultNotificationPreference()
	}

	if !filterAllows(pref.Filter, created, actorID, recordName) {
		return
	}

	loc := orgLocation(ctx, n.settings, tenantID)
	playSound := pref.SoundEnabled && !quietNow(pref, n.now(), loc)

	n.broker.Publish(tenantID, recipientID, NotificationEvent{
		Notification: created,
		ActorID:      actorID,
		RecordName:   recordName,
		PlaySound:    playSound,
	})
}

// notifyMutation publishes a mutation event to the acting principal's
// feed. Best effort: requests never fail because a notification did.
func notifyMutation(r *http.Request, notifier *Notifier, tenantID string, entityType string, event string, title string, recordName string) {
	if notifier == nil {
		return
	}
	p, ok := currentPrincipal(r.Context())
	if !ok {
		return
	}
	notifier.Notify(r.Context(), tenantID, p.ID, entityType, event, title, entityType+" "+event, p.ID, recordName)
}

type notificationPGStore struct {
	pool pgBeginner
}

func newNotificationPGStore(pool pgBeginner) NotificationStore {
	return &notificationPGStore{pool: pool}
}

func (s *notificationPGStore) ListNotifications(ctx context.Context, tenantID string, recipientID string, limit int) ([]Notification, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, 0, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, recipient_id::text, entity_type, event, title, body, is_read, created_at
FROM notify.notifications
WHERE tenant_id = $1::uuid AND recipient_id = $2::uuid
ORDER BY created_at DESC, id DESC
LIMIT $3::int
`, tenantID, recipientID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.UUID, &n.RecipientID, &n.EntityType, &n.Event, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var unread int
	if err := tx.QueryRow(ctx, `
SELECT count(*)
FROM notify.notifications
WHERE tenant_id = $1::uuid AND recipient_id = $2::uuid AND NOT is_read
`, tenantID, recipientID).Scan(&unread); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return out, unread, nil
}

func (s *notificationPGStore) CreateNotification(ctx context.Context, tenantID string, n Notification) (Notification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Notification{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Notification{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO notify.notifications (tenant_id, recipient_id, entity_type, event, title, body)
VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
RETURNING id::text, created_at
`, tenantID, n.RecipientID, n.EntityType, n.Event, n.Title, n.Body).Scan(&n.UUID, &n.CreatedAt); err != nil {
		return Notification{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (s *notificationPGStore) MarkNotificationsRead(ctx context.Context, tenantID string, recipientID string, uuids []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	if len(uuids) == 0 {
		if _, err := tx.Exec(ctx, `
UPDATE notify.notifications
SET is_read = true
WHERE tenant_id = $1::uuid AND recipient_id = $2::uuid AND NOT is_read
`, tenantID, recipientID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx, `
UPDATE notify.notifications
SET is_read = true
WHERE tenant_id = $1::uuid AND recipient_id = $2::uuid AND id = ANY($3::uuid[])
`, tenantID, recipientID, uuids); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

type notificationMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Notification
}

func newNotificationMemoryStore() *notificationMemoryStore {
	return &notificationMemoryStore{byTenant: make(map[string][]Notification)}
}

func (s *notificationMemoryStore) ListNotifications(_ context.Context, tenantID string, recipientID string, limit int) ([]Notification, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	unread := 0
	for _, n := range s.byTenant[tenantID] {
		if n.RecipientID != recipientID {
			continue
		}
		if !n.IsRead {
			unread++
		}
		if len(out) < limit {
			out = append(out, n)
		}
	}
	return out, unread, nil
}

func (s *notificationMemoryStore) CreateNotification(_ context.Context, tenantID string, n Notification) (Notification, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return Notification{}, err
	}
	n.UUID = id
	n.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Notification{n}, s.byTenant[tenantID]...)
	return n, nil
}

func (s *notificationMemoryStore) MarkNotificationsRead(_ context.Context, tenantID string, recipientID string, uuids []string) error {
	want := map[string]bool{}
	for _, id := range uuids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].RecipientID != recipientID {
			continue
		}
		if len(want) == 0 || want[list[i].UUID] {
			list[i].IsRead = true
		}
	}
	return nil
}

type preferencePGStore struct {
	pool pgBeginner
}

func newPreferencePGStore(pool pgBeginner) NotificationPreferenceStore {
	return &preferencePGStore{pool: pool}
}

func (s *preferencePGStore) GetPreference(ctx context.Context, tenantID string, recipientID string) (NotificationPreference, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NotificationPreference{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return NotificationPreference{}, err
	}

	var pref NotificationPreference
	err = tx.QueryRow(ctx, `
SELECT sound_enabled, quiet_start, quiet_end, filter
FROM notify.preferences
WHERE tenant_id = $1::uuid AND recipient_id = $2::uuid
`, tenantID, recipientID).Scan(&pref.SoundEnabled, &pref.QuietStart, &pref.QuietEnd, &pref.Filter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return defaultNotificationPreference(), nil
		}
		return NotificationPreference{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return NotificationPreference{}, err
	}
	return pref, nil
}

func (s *preferencePGStore) SetPreference(ctx context.Context, tenantID string, recipientID string, pref NotificationPreference) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO notify.preferences (tenant_id, recipient_id, sound_enabled, quiet_start, quiet_end, filter)
VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6)
ON CONFLICT (tenant_id, recipient_id) DO UPDATE SET
  sound_enabled = EXCLUDED.sound_enabled,
  quiet_start = EXCLUDED.quiet_start,
  quiet_end = EXCLUDED.quiet_end,
  filter = EXCLUDED.filter,
  updated_at = now()
`, tenantID, recipientID, pref.SoundEnabled, pref.QuietStart, pref.QuietEnd, pref.Filter); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type preferenceMemoryStore struct {
	mu    sync.Mutex
	byKey map[string]NotificationPreference
}

func newPreferenceMemoryStore() *preferenceMemoryStore {
	return &preferenceMemoryStore{byKey: make(map[string]NotificationPreference)}
}

func (s *preferenceMemoryStore) GetPreference(_ context.Context, tenantID string, recipientID string) (NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pref, ok := s.byKey[tenantID+"|"+recipientID]; ok {
		return pref, nil
	}
	return defaultNotificationPreference(), nil
}

func (s *preferenceMemoryStore) SetPreference(_ context.Context, tenantID string, recipientID string, pref NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[tenantID+"|"+recipientID] = pref
	return nil
}
