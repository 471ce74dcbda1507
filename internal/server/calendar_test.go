package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestMonthGrid_Shape(t *testing.T) {
	now := time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

	for month := time.January; month <= time.December; month++ {
		grid := monthGrid(2024, month, time.UTC, now)
		if len(grid)%7 != 0 {
			t.Fatalf("%s: len=%d, not a multiple of 7", month, len(grid))
		}

		// First cell is the Sunday on or before the 1st.
		first := time.Date(grid[0].Year, time.Month(grid[0].Month), grid[0].Day, 0, 0, 0, 0, time.UTC)
		if first.Weekday() != time.Sunday {
			t.Fatalf("%s: grid starts on %s", month, first.Weekday())
		}

		var sawFirst, sawLast bool
		last := time.Date(2024, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
		for _, d := range grid {
			if d.InMonth && d.Day == 1 {
				sawFirst = true
			}
			if d.InMonth && d.Day == last {
				sawLast = true
			}
			if d.InMonth && (d.Month != int(month) || d.Year != 2024) {
				t.Fatalf("%s: in-month cell %+v outside month", month, d)
			}
		}
		if !sawFirst || !sawLast {
			t.Fatalf("%s: grid missing first or last day", month)
		}
	}
}

func TestMonthGrid_February2024(t *testing.T) {
	// Feb 2024 starts on a Thursday and ends on a leap-day Thursday:
	// four leading filler days, two trailing, five weeks total.
	grid := monthGrid(2024, time.February, time.UTC, time.Now())
	if len(grid) != 35 {
		t.Fatalf("len=%d, want 35", len(grid))
	}
	if grid[0].Month != 1 || grid[0].Day != 28 {
		t.Fatalf("first cell=%+v", grid[0])
	}
	if grid[34].Month != 3 || grid[34].Day != 2 {
		t.Fatalf("last cell=%+v", grid[34])
	}
}

func TestMonthGrid_TodayFollowsOrgTimezone(t *testing.T) {
	la := mustLoadLocation(t, "America/Los_Angeles")

	// 2024-03-01T02:00:00Z is still Feb 29 in Los Angeles.
	now := time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	grid := monthGrid(2024, time.February, la, now)

	var today []CalendarDay
	for _, d := range grid {
		if d.IsToday {
			today = append(today, d)
		}
	}
	if len(today) != 1 || today[0].Month != 2 || today[0].Day != 29 {
		t.Fatalf("today=%v", today)
	}
}

func TestSameOrgDay(t *testing.T) {
	la := mustLoadLocation(t, "America/Los_Angeles")
	instant := time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)

	if !sameOrgDay(instant, 2024, 2, 29, la) {
		t.Fatal("expected Feb 29 in Los Angeles")
	}
	if sameOrgDay(instant, 2024, 3, 1, la) {
		t.Fatal("must not match the UTC date")
	}
	if !sameOrgDay(instant, 2024, 3, 1, time.UTC) {
		t.Fatal("expected Mar 1 in UTC")
	}
}

func calendarRequest(t *testing.T, tasks TaskStore, settings SettingsStore, month string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/crm/api/calendar?month="+month, nil)
	req = req.WithContext(withTenant(req.Context(), Tenant{ID: testTenantID, Domain: "localhost"}))
	rec := httptest.NewRecorder()
	handleCalendarAPI(rec, req, tasks, settings)
	return rec
}

func TestCalendarAPI_BucketsTasksByOrgDay(t *testing.T) {
	tasks := newTaskMemoryStore()
	settings := newSettingsMemoryStore()
	if err := settings.SetTimezone(context.Background(), testTenantID, "America/Los_Angeles"); err != nil {
		t.Fatal(err)
	}

	due := time.Date(2024, time.March, 1, 2, 0, 0, 0, time.UTC)
	if _, err := tasks.CreateTask(context.Background(), testTenantID, "Close the books", "", &due); err != nil {
		t.Fatal(err)
	}

	rec := calendarRequest(t, tasks, settings, "2024-02")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var body struct {
		Year     int    `json:"year"`
		Month    int    `json:"month"`
		Timezone string `json:"timezone"`
		Cells    []struct {
			Month int              `json:"month"`
			Day   int              `json:"day"`
			Tasks []map[string]any `json:"tasks"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Year != 2024 || body.Month != 2 || body.Timezone != "America/Los_Angeles" {
		t.Fatalf("header=%+v", body)
	}

	var found bool
	for _, c := range body.Cells {
		if len(c.Tasks) == 0 {
			continue
		}
		if c.Month != 2 || c.Day != 29 {
			t.Fatalf("task landed on %d/%d, want 2/29", c.Month, c.Day)
		}
		found = true
	}
	if !found {
		t.Fatal("task missing from grid")
	}
}

func TestCalendarAPI_InvalidMonth(t *testing.T) {
	rec := calendarRequest(t, newTaskMemoryStore(), newSettingsMemoryStore(), "2024-2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
