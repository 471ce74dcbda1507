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

// Task is a to-do with an optional due timestamp. Due timestamps are
// stored in UTC; the org timezone only matters when picking the wall
// clock for a rescheduled date.
type Task struct {
	UUID      string
	Title     string
	Notes     string
	DueAt     *time.Time
	IsDone    bool
	CreatedAt time.Time
}

type TaskStore interface {
	ListTasks(ctx context.Context, tenantID string) ([]Task, error)
	CreateTask(ctx context.Context, tenantID string, title string, notes string, dueAt *time.Time) (Task, error)
	SearchTasks(ctx context.Context, tenantID string, q string, limit int) ([]Task, error)
	GetTask(ctx context.Context, tenantID string, taskUUID string) (Task, error)
	SetTaskDue(ctx context.Context, tenantID string, taskUUID string, dueAt time.Time) (Task, error)
	SetTaskDone(ctx context.Context, tenantID string, taskUUID string, done bool) (Task, error)
	ListTasksDueBetween(ctx context.Context, tenantID string, from time.Time, to time.Time) ([]Task, error)
}

// rescheduleDueAt moves due to the target calendar date while keeping
// the wall-clock time the task had in loc. A 17:00 task stays a 17:00
// task no matter how far it is dragged.
func rescheduleDueAt(due time.Time, targetYear int, targetMonth time.Month, targetDay int, loc *time.Location) time.Time {
	local := due.In(loc)
	h, m, s := local.Clock()
	return time.Date(targetYear, targetMonth, targetDay, h, m, s, local.Nanosecond(), loc).UTC()
}

type taskPGStore struct {
	pool pgBeginner
}

func newTaskPGStore(pool pgBeginner) TaskStore {
	return &taskPGStore{pool: pool}
}

const taskColumns = `id::text, title, notes, due_at, is_done, created_at`

func scanTask(row interface{ Scan(dest ...any) error }) (Task, error) {
	var t Task
	if err := row.Scan(&t.UUID, &t.Title, &t.Notes, &t.DueAt, &t.IsDone, &t.CreatedAt); err != nil {
		return Task{}, err
	}
	if t.DueAt != nil {
		utc := t.DueAt.UTC()
		t.DueAt = &utc
	}
	return t, nil
}

func (s *taskPGStore) ListTasks(ctx context.Context, tenantID string) ([]Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+taskColumns+`
FROM crm.tasks
WHERE tenant_id = $1::uuid
ORDER BY due_at ASC NULLS LAST, created_at DESC, id DESC
LIMIT 500
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *taskPGStore) CreateTask(ctx context.Context, tenantID string, title string, notes string, dueAt *time.Time) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, newBadRequestError("title is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Task{}, err
	}

	t, err := scanTask(tx.QueryRow(ctx, `
INSERT INTO crm.tasks (tenant_id, title, notes, due_at)
VALUES ($1::uuid, $2, $3, $4)
RETURNING `+taskColumns+`
`, tenantID, title, strings.TrimSpace(notes), dueAt))
	if err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *taskPGStore) SearchTasks(ctx context.Context, tenantID string, q string, limit int) ([]Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+taskColumns+`
FROM crm.tasks
WHERE tenant_id = $1::uuid
  AND (title ILIKE ('%' || $2::text || '%') OR notes ILIKE ('%' || $2::text || '%'))
ORDER BY created_at DESC, id DESC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *taskPGStore) GetTask(ctx context.Context, tenantID string, taskUUID string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Task{}, err
	}

	t, err := scanTask(tx.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM crm.tasks
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, taskUUID))
	if err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *taskPGStore) SetTaskDue(ctx context.Context, tenantID string, taskUUID string, dueAt time.Time) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Task{}, err
	}

	t, err := scanTask(tx.QueryRow(ctx, `
UPDATE crm.tasks
SET due_at = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING `+taskColumns+`
`, tenantID, taskUUID, dueAt))
	if err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *taskPGStore) SetTaskDone(ctx context.Context, tenantID string, taskUUID string, done bool) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Task{}, err
	}

	t, err := scanTask(tx.QueryRow(ctx, `
UPDATE crm.tasks
SET is_done = $3, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING `+taskColumns+`
`, tenantID, taskUUID, done))
	if err != nil {
		return Task{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *taskPGStore) ListTasksDueBetween(ctx context.Context, tenantID string, from time.Time, to time.Time) ([]Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+taskColumns+`
FROM crm.tasks
WHERE tenant_id = $1::uuid
  AND due_at IS NOT NULL
  AND due_at >= $2
  AND due_at < $3
ORDER BY due_at ASC, id ASC
`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type taskMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Task
}

func newTaskMemoryStore() *taskMemoryStore {
	return &taskMemoryStore{byTenant: make(map[string][]Task)}
}

func (s *taskMemoryStore) ListTasks(_ context.Context, tenantID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.byTenant[tenantID]...), nil
}

func (s *taskMemoryStore) CreateTask(_ context.Context, tenantID string, title string, notes string, dueAt *time.Time) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, newBadRequestError("title is required")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Task{}, err
	}
	t := Task{
		UUID:      id,
		Title:     title,
		Notes:     strings.TrimSpace(notes),
		CreatedAt: time.Now().UTC(),
	}
	if dueAt != nil {
		utc := dueAt.UTC()
		t.DueAt = &utc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append([]Task{t}, s.byTenant[tenantID]...)
	return t, nil
}

func (s *taskMemoryStore) SearchTasks(_ context.Context, tenantID string, q string, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.byTenant[tenantID] {
		if containsFold(t.Title, q) || containsFold(t.Notes, q) {
			out = append(out, t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *taskMemoryStore) GetTask(_ context.Context, tenantID string, taskUUID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byTenant[tenantID] {
		if t.UUID == taskUUID {
			return t, nil
		}
	}
	return Task{}, errNotFoundRow
}

func (s *taskMemoryStore) SetTaskDue(_ context.Context, tenantID string, taskUUID string, dueAt time.Time) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == taskUUID {
			utc := dueAt.UTC()
			list[i].DueAt = &utc
			return list[i], nil
		}
	}
	return Task{}, errNotFoundRow
}

func (s *taskMemoryStore) SetTaskDone(_ context.Context, tenantID string, taskUUID string, done bool) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTenant[tenantID]
	for i := range list {
		if list[i].UUID == taskUUID {
			list[i].IsDone = done
			return list[i], nil
		}
	}
	return Task{}, errNotFoundRow
}

func (s *taskMemoryStore) ListTasksDueBetween(_ context.Context, tenantID string, from time.Time, to time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.byTenant[tenantID] {
		if t.DueAt == nil {
			continue
		}
		if t.DueAt.Before(from) || !t.DueAt.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func handleTasksAPI(w http.ResponseWriter, r *http.Request, store TaskStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListTasks(r.Context(), tenant.ID)
		if err != nil {
			writeStoreError(w, r, err, "CRM_TASK_INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant_id": tenant.ID,
			"tasks":     taskItems(items),
		})

	case http.MethodPost:
		var req struct {
			Title string `json:"title"`
			Notes string `json:"notes"`
			DueAt string `json:"due_at"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		var dueAt *time.Time
		if strings.TrimSpace(req.DueAt) != "" {
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(req.DueAt))
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "due_at must be RFC 3339")
				return
			}
			utc := parsed.UTC()
			dueAt = &utc
		}
		t, err := store.CreateTask(r.Context(), tenant.ID, req.Title, req.Notes, dueAt)
		if err != nil {
			writeStoreError(w, r, err, "CRM_TASK_CREATE_FAILED")
			return
		}
		writeJSON(w, http.StatusCreated, taskItems([]Task{t})[0])

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleTaskRescheduleAPI moves a task to a new calendar date. Only the
// date moves: the task keeps its wall-clock time in the org timezone.
func handleTaskRescheduleAPI(w http.ResponseWriter, r *http.Request, store TaskStore, settings SettingsStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		TaskUUID   string `json:"task_uuid"`
		TargetDate string `json:"target_date"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	target, err := time.Parse("2006-01-02", strings.TrimSpace(req.TargetDate))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "target_date must be YYYY-MM-DD")
		return
	}

	t, err := store.GetTask(r.Context(), tenant.ID, strings.TrimSpace(req.TaskUUID))
	if err != nil {
		writeStoreError(w, r, err, "CRM_TASK_RESCHEDULE_FAILED")
		return
	}
	if t.DueAt == nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "task has no due date to move")
		return
	}

	loc := orgLocation(r.Context(), settings, tenant.ID)
	newDue := rescheduleDueAt(*t.DueAt, target.Year(), target.Month(), target.Day(), loc)

	t, err = store.SetTaskDue(r.Context(), tenant.ID, t.UUID, newDue)
	if err != nil {
		writeStoreError(w, r, err, "CRM_TASK_RESCHEDULE_FAILED")
		return
	}
	notifyMutation(r, notifier, tenant.ID, "task", "rescheduled", "Task rescheduled", t.Title)
	writeJSON(w, http.StatusOK, taskItems([]Task{t})[0])
}

func handleTaskToggleDoneAPI(w http.ResponseWriter, r *http.Request, store TaskStore, notifier *Notifier) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		TaskUUID string `json:"task_uuid"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := store.GetTask(r.Context(), tenant.ID, strings.TrimSpace(req.TaskUUID))
	if err != nil {
		writeStoreError(w, r, err, "CRM_TASK_TOGGLE_FAILED")
		return
	}
	t, err = store.SetTaskDone(r.Context(), tenant.ID, t.UUID, !t.IsDone)
	if err != nil {
		writeStoreError(w, r, err, "CRM_TASK_TOGGLE_FAILED")
		return
	}
	event := "reopened"
	if t.IsDone {
		event = "completed"
	}
	notifyMutation(r, notifier, tenant.ID, "task", event, "Task "+event, t.Title)
	writeJSON(w, http.StatusOK, taskItems([]Task{t})[0])
}

func taskItems(items []Task) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		item := map[string]any{
			"task_uuid":  t.UUID,
			"title":      t.Title,
			"notes":      t.Notes,
			"is_done":    t.IsDone,
			"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if t.DueAt != nil {
			item["due_at"] = t.DueAt.UTC().Format(time.RFC3339Nano)
		} else {
			item["due_at"] = nil
		}
		out = append(out, item)
	}
	return out
}
