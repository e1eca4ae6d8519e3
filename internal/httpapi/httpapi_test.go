package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remindd/internal/control"
	"remindd/internal/recurrence"
	"remindd/internal/reminder"
	"remindd/internal/scheduler"
	"remindd/internal/slo"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

func newTestRouter(t *testing.T) (http.Handler, *slo.Tracker) {
	t.Helper()
	st := store.NewMemory()
	tracker := slo.New(slo.Config{})
	rules := recurrence.New()
	core := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Store: st,
		Rules: rules,
		SLO:   tracker,
		Log:   logx.Nop(),
	})
	ctl := control.New(control.Config{}, st, core, rules, tracker, nil, logx.Nop())
	svc := New(Config{}, ctl, tracker, logx.Nop())
	return svc.Router(), tracker
}

func doJSON(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeReminder(t *testing.T, rec *httptest.ResponseRecorder) createResponse {
	t.Helper()
	var out createResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const createBody = `{"title": "Pay rent", "due_at_local": "2026-09-01T09:00:00", "timezone": "UTC"}`

func TestCreateReminder(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/reminders", "u1", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeReminder(t, rec)
	if got.ID == "" || got.Status != reminder.StatusActive || got.Deduplicated {
		t.Fatalf("created = %+v", got)
	}
	if got.DueAtLocal != "2026-09-01T09:00:00" || got.Timezone != "UTC" {
		t.Fatalf("due fields = %q %q", got.DueAtLocal, got.Timezone)
	}

	// Identical retry: 200 with the original row flagged as deduplicated.
	rec = doJSON(t, h, http.MethodPost, "/api/reminders", "u1", createBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("dedup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	again := decodeReminder(t, rec)
	if !again.Deduplicated || again.ID != got.ID {
		t.Fatalf("dedup = %+v, want original %s", again, got.ID)
	}
}

func TestCreateFromUTCInstant(t *testing.T) {
	t.Parallel()
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	h, _ := newTestRouter(t)

	body := `{"title": "Standup", "due_at_utc": "2026-09-01T13:00:00Z", "timezone": "America/New_York"}`
	rec := doJSON(t, h, http.MethodPost, "/api/reminders", "u1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeReminder(t, rec)
	if got.DueAtLocal != "2026-09-01T09:00:00" {
		t.Fatalf("due_at_local = %q, want the 09:00 New York wall time", got.DueAtLocal)
	}
	if !got.DueAtUTC.Equal(time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("due_at_utc = %v", got.DueAtUTC)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t)

	tests := []struct {
		name string
		user string
		body string
		want int
	}{
		{name: "missing user header", user: "", body: createBody, want: http.StatusBadRequest},
		{name: "malformed json", user: "u1", body: `{"title":`, want: http.StatusBadRequest},
		{name: "missing title", user: "u1", body: `{"due_at_local": "2026-09-01T09:00:00"}`, want: http.StatusBadRequest},
		{name: "bad repeat rule", user: "u1", body: `{"title": "x", "due_at_local": "2026-09-01T09:00:00", "repeat_rule": "FREQ=SOMETIMES"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, h, http.MethodPost, "/api/reminders", tt.user, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			var e errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&e); err != nil || e.Error == "" {
				t.Fatalf("error body = %q (%v)", rec.Body.String(), err)
			}
		})
	}
}

func TestSnoozeAndConflicts(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t)

	created := decodeReminder(t, doJSON(t, h, http.MethodPost, "/api/reminders", "u1", createBody))

	rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/snooze", "u1", `{"for": "15m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("snooze status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var snoozed reminder.Reminder
	if err := json.NewDecoder(rec.Body).Decode(&snoozed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snoozed.Status != reminder.StatusSnoozed {
		t.Fatalf("status = %s, want snoozed", snoozed.Status)
	}
	if !snoozed.DueAtUTC.After(time.Now().Add(10 * time.Minute)) {
		t.Fatalf("due = %v, want pushed out ~15m", snoozed.DueAtUTC)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/snooze", "u1", `{"for": "soonish"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad duration status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/snooze", "u1", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty snooze body status = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/snooze", "u1", `{"duration_minutes": 10}`); rec.Code != http.StatusOK {
		t.Fatalf("minutes snooze status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/complete", "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// Completed reminders cannot be snoozed or cancelled.
	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/snooze", "u1", `{"for": "5m"}`); rec.Code != http.StatusConflict {
		t.Fatalf("snooze completed status = %d, want 409", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/cancel", "u1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed status = %d, want 409", rec.Code)
	}
}

func TestForeignReminderLooksMissing(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t)

	created := decodeReminder(t, doJSON(t, h, http.MethodPost, "/api/reminders", "u1", createBody))

	if rec := doJSON(t, h, http.MethodGet, "/api/reminders/"+created.ID, "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/api/reminders/"+created.ID+"/cancel", "u2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/reminders/"+created.ID, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("owner get status = %d", rec.Code)
	}
}

func TestListReminders(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t)

	doJSON(t, h, http.MethodPost, "/api/reminders", "u1", createBody)
	doJSON(t, h, http.MethodPost, "/api/reminders", "u1", `{"title": "Water plants", "due_at_local": "2026-09-02T08:00:00"}`)

	rec := doJSON(t, h, http.MethodGet, "/api/reminders", "u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []reminder.Reminder
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}

	// Empty result is an empty array, not null.
	rec = doJSON(t, h, http.MethodGet, "/api/reminders", "u2", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("empty list body = %q, want []", body)
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/reminders?status=paused", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/reminders?limit=-1", "u1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", rec.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()
	h, tracker := newTestRouter(t)
	tracker.IncFired()
	tracker.Record(200 * time.Millisecond)

	rec := doJSON(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	var snap slo.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Fired != 1 || snap.Count != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec = doJSON(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}
