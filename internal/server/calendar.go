package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/nineleaf/bizdesk/internal/routing"
)

// CalendarDay is one cell of the month grid. Date fields are a plain
// calendar date in the org timezone, no instant attached.
type CalendarDay struct {
	Year    int  `json:"year"`
	Month   int  `json:"month"`
	Day     int  `json:"day"`
	InMonth bool `json:"in_month"`
	IsToday bool `json:"is_today"`
}

// monthGrid builds the Sunday-first grid for a month: the weeks run
// from the Sunday on or before the 1st through the Saturday on or
// after the last day, so the length is always a multiple of 7. Today
// is determined by converting now into loc, never by the raw instant.
func monthGrid(year int, month time.Month, loc *time.Location, now time.Time) []CalendarDay {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1)

	start := first.AddDate(0, 0, -int(first.Weekday()))
	end := last.AddDate(0, 0, int(time.Saturday-last.Weekday()))

	localNow := now.In(loc)
	ty, tm, td := localNow.Date()

	var out []CalendarDay
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		y, m, day := d.Date()
		out = append(out, CalendarDay{
			Year:    y,
			Month:   int(m),
			Day:     day,
			InMonth: m == month && y == year,
			IsToday: y == ty && m == tm && day == td,
		})
	}
	return out
}

// sameOrgDay reports whether the instant falls on the given calendar
// date once converted into the org timezone. This is the only day
// matching rule: a 2024-03-01T02:00:00Z task belongs to Feb 29 for a
// Los Angeles org.
func sameOrgDay(instant time.Time, year int, month int, day int, loc *time.Location) bool {
	y, m, d := instant.In(loc).Date()
	return y == year && int(m) == month && d == day
}

type calendarCell struct {
	CalendarDay
	Tasks []map[string]any `json:"tasks"`
}

// handleCalendarAPI returns the month grid with the tenant's tasks
// bucketed onto cells.
func handleCalendarAPI(w http.ResponseWriter, r *http.Request, tasks TaskStore, settings SettingsStore) {
	tenant, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	monthParam := strings.TrimSpace(r.URL.Query().Get("month"))
	loc := orgLocation(r.Context(), settings, tenant.ID)

	var year int
	var month time.Month
	if monthParam == "" {
		now := time.Now().In(loc)
		year, month = now.Year(), now.Month()
	} else {
		parsed, err := time.Parse("2006-01", monthParam)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "month must be YYYY-MM")
			return
		}
		year, month = parsed.Year(), parsed.Month()
	}

	grid := monthGrid(year, month, loc, time.Now())

	// Fetch with a day of slack on both ends: the UTC instants that
	// land on the grid's edge days can sit outside the grid's local
	// range when converted naively.
	gridStart := time.Date(grid[0].Year, time.Month(grid[0].Month), grid[0].Day, 0, 0, 0, 0, loc)
	lastCell := grid[len(grid)-1]
	gridEnd := time.Date(lastCell.Year, time.Month(lastCell.Month), lastCell.Day, 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	due, err := tasks.ListTasksDueBetween(r.Context(), tenant.ID, gridStart.UTC(), gridEnd.UTC())
	if err != nil {
		writeStoreError(w, r, err, "CRM_CALENDAR_INTERNAL")
		return
	}

	cells := make([]calendarCell, len(grid))
	for i, day := range grid {
		cells[i] = calendarCell{CalendarDay: day, Tasks: []map[string]any{}}
	}
	for _, t := range due {
		if t.DueAt == nil {
			continue
		}
		for i := range cells {
			if sameOrgDay(*t.DueAt, cells[i].Year, cells[i].Month, cells[i].Day, loc) {
				cells[i].Tasks = append(cells[i].Tasks, taskItems([]Task{t})[0])
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant.ID,
		"year":      year,
		"month":     int(month),
		"timezone":  loc.String(),
		"cells":     cells,
	})
}
